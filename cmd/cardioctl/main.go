// cardioctl is a minimal command-line driver for exercising a T=1 card
// connection end to end: open an interface, connect, optionally
// transmit one APDU, print the ATR and any response, then disconnect.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/scio7816/cardio/pkg/config"
	"github.com/scio7816/cardio/pkg/conn"
	"github.com/scio7816/cardio/pkg/observer"
	"github.com/scio7816/cardio/pkg/reader"
	"github.com/scio7816/cardio/pkg/t1"
	_ "github.com/scio7816/cardio/pkg/transport/serialport"
	_ "github.com/scio7816/cardio/pkg/transport/virtual"
)

const defaultInterface = "serial"

type logObserver struct{}

func (logObserver) Notify(ev observer.Event) {
	switch ev.Type {
	case observer.EventInsertion:
		log.Info("card inserted")
	case observer.EventRemoval:
		log.Info("card removed")
	case observer.EventConnect:
		log.Info("connected")
	case observer.EventDisconnect:
		log.Info("disconnected")
	case observer.EventError:
		log.Warnf("error: %s", ev.Message)
	}
}

func main() {
	log.SetLevel(log.InfoLevel)

	ifaceName := flag.String("i", defaultInterface, "transport interface name (serial, virtual)")
	channel := flag.String("c", "/dev/ttyUSB0", "transport channel (e.g. device path)")
	apduHex := flag.String("a", "", "hex-encoded APDU to transmit after connect, e.g. 00A4040000")
	iniPath := flag.String("ini", "", "reader.ini with an [engine] section of timeout/ifsc overrides")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	entries := t1.DefaultEntries()
	if *iniPath != "" {
		v, err := config.LoadINI(*iniPath, "engine", entries)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cardioctl: %v\n", err)
			os.Exit(1)
		}
		// New connections seed every parameter at its declared default,
		// so fold the loaded values back into the declaration.
		for i := range entries {
			val, _ := v.Get(entries[i].ID)
			entries[i].Default = val
		}
	}

	r := reader.New(reader.Config{
		Name:          "cardioctl",
		InterfaceName: *ifaceName,
		Channel:       *channel,
		Polarity:      conn.DefaultPinPolarity(),
		Entries:       entries,
		HasTimer:      false, // blocking mode only: no host timer to drive non-blocking ticks
	})

	c, err := r.CreateConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "cardioctl: %v\n", err)
		os.Exit(1)
	}
	c.AddObserver(logObserver{})

	if err := c.Connect(-1); err != nil {
		fmt.Fprintf(os.Stderr, "cardioctl: connect: %v\n", err)
		os.Exit(1)
	}
	defer r.DeleteConnection(c)

	fmt.Printf("ATR: %s\n", hex.EncodeToString(c.GetATR()))

	if *apduHex == "" {
		return
	}
	apdu, err := hex.DecodeString(*apduHex)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cardioctl: bad APDU hex: %v\n", err)
		os.Exit(1)
	}

	resp, err := c.Transmit(apdu, -1)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cardioctl: transmit: %v\n", err)
		os.Exit(1)
	}
	if resp.HasStatus {
		fmt.Printf("response: %s SW=%02X%02X\n", hex.EncodeToString(resp.Data), resp.SW1, resp.SW2)
	} else {
		fmt.Printf("response: %s\n", hex.EncodeToString(resp.Data))
	}
}
