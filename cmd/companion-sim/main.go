package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/user/companion-proxy/bluetooth"
	"github.com/user/companion-proxy/proxy"
)

// companion-sim plays the companion phone against a running proxyd bridge:
// it subscribes to pings, pushes a proxy config and prints what comes back.
func main() {
	url := flag.String("url", "ws://127.0.0.1:8765/bridge", "proxyd bridge endpoint")
	address := flag.String("address", "AA:BB:CC:DD:EE:01", "companion device address")
	name := flag.String("name", "companion", "companion device name")
	psm := flag.Int("psm", 192, "L2CAP PSM to advertise")
	channelChangeID := flag.Int("channel-change-id", 1, "channel change id")
	minPing := flag.Int("min-ping", 10, "minimum ping interval in seconds")
	duration := flag.Duration("duration", 0, "exit after this long (0 runs until interrupted)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	fmt.Println("=== Companion Proxy Simulator ===")
	fmt.Printf("Connecting to %s as %s (%s)\n", *url, *name, *address)

	client, err := bluetooth.DialBridge(ctx, *url, bluetooth.BluetoothDevice{Name: *name, Address: *address})
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	// Subscribe first so the proxy can ping as soon as it has a config
	if _, err := client.WriteDescriptor(proxy.ProxyServiceUUID, proxy.PingCharacteristic, proxy.PingDescriptor,
		bluetooth.EnableNotificationValue(), true); err != nil {
		fmt.Fprintf(os.Stderr, "❌ subscribe: %v\n", err)
		os.Exit(1)
	}

	payload, err := proxy.ProxyConfig{
		PsmValue:               int32(*psm),
		ChannelChangeID:        int32(*channelChangeID),
		MinPingIntervalSeconds: int32(*minPing),
	}.Marshal()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ encode config: %v\n", err)
		os.Exit(1)
	}
	if _, err := client.WriteCharacteristic(proxy.ProxyServiceUUID, proxy.ConfigCharacteristic, payload, true); err != nil {
		fmt.Fprintf(os.Stderr, "❌ write config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("📤 Sent config (%d bytes): psm=%d channelChangeId=%d minPing=%ds\n",
		len(payload), *psm, *channelChangeID, *minPing)

	start := time.Now()
	pings := 0
	for {
		select {
		case <-ctx.Done():
			fmt.Printf("\n=== Done: %d pings in %v ===\n", pings, time.Since(start).Round(time.Second))
			return
		case f, ok := <-client.Frames():
			if !ok {
				fmt.Println("Bridge closed the connection")
				return
			}
			switch f.Op {
			case bluetooth.OpResponse:
				status := "✅"
				if f.Status != bluetooth.GATT_SUCCESS {
					status = "❌"
				}
				fmt.Printf("%s Response to request %d: status=%d\n", status, f.RequestID, f.Status)
			case bluetooth.OpNotify:
				pings++
				fmt.Printf("🏓 Ping %d at +%v\n", pings, time.Since(start).Round(time.Millisecond))
			case bluetooth.OpError:
				fmt.Printf("⚠️  Bridge error: %s\n", f.Error)
			}
		}
	}
}
