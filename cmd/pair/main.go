// Command pair attaches this device to the upload service: it exchanges a
// one-time pairing code for device credentials and seals them on disk for
// the agent to use.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/dmitrijs2005/uplink/internal/agent/config"
	"github.com/dmitrijs2005/uplink/internal/agent/credentials"
	"github.com/dmitrijs2005/uplink/internal/common"
	"golang.org/x/term"
)

func main() {

	ctx := context.Background()
	cfg := config.LoadConfig()

	fmt.Print("Pairing code: ")
	code, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		log.Printf("failed to read pairing code: %v", err)
		return
	}
	defer common.WipeByteArray(code)

	device, err := credentials.Attach(ctx, nil, cfg.ServerURL, string(code))
	if err != nil {
		log.Printf("%v", err)
		return
	}
	defer common.WipeByteArray(device.SharedSecret)

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		log.Printf("%v", err)
		return
	}

	store := credentials.NewFileStore(cfg.DataDir)
	if err := store.Save(ctx, device); err != nil {
		log.Printf("%v", err)
		return
	}

	fmt.Printf("Paired as %s. Credentials stored in %s.\n", device.ID, cfg.DataDir)

}
