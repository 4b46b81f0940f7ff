package main

import (
	"context"
	"log"

	"github.com/dmitrijs2005/uplink/internal/agent"
	"github.com/dmitrijs2005/uplink/internal/agent/config"
)

func main() {

	ctx := context.Background()
	cfg := config.LoadConfig()
	app, err := agent.NewApp(ctx, cfg)

	if err != nil {
		log.Printf("%v", err)
		return
	}

	app.Run(ctx)

}
