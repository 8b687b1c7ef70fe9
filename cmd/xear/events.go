package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"

	"github.com/omrozmn/x-ear-sub010/internal/apiserver"
	"github.com/omrozmn/x-ear-sub010/internal/ui"
)

var eventsCmd = &cobra.Command{
	Use:     "events",
	GroupID: "tools",
	Short:   "Stream engine events from the running daemon",
	Long: `Connect to the daemon's event stream and print each event as it
arrives: record changes, sync passes, connectivity flips. Requires a
running daemon. Stop with Ctrl-C.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		conn, _, err := websocket.Dial(ctx, "ws://"+cfg.API.Addr+"/v1/events", nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot reach daemon at %s: %v\n", cfg.API.Addr, err)
			fmt.Fprintln(os.Stderr, "Is 'xear daemon' running?")
			os.Exit(1)
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		fmt.Println(ui.RenderDim("Streaming events from " + cfg.API.Addr + " (Ctrl-C to stop)"))

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				var closeErr websocket.CloseError
				if errors.As(err, &closeErr) {
					fmt.Fprintln(os.Stderr, ui.RenderDim("Daemon closed the stream."))
					return
				}
				fmt.Fprintf(os.Stderr, "Error reading event stream: %v\n", err)
				os.Exit(1)
			}

			var ev apiserver.Event
			if err := json.Unmarshal(data, &ev); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: undecodable event: %s\n", data)
				continue
			}
			printEvent(ev)
		}
	},
}

func printEvent(ev apiserver.Event) {
	stamp := ev.Timestamp.Local().Format(time.TimeOnly)

	label := string(ev.Type)
	switch ev.Type {
	case apiserver.EventSyncStarted:
		label = ui.RenderAccent(label)
	case apiserver.EventSyncCompleted:
		label = ui.RenderPass(label)
	case apiserver.EventConnectivity:
		label = ui.RenderWarn(label)
	}

	if len(ev.Data) > 0 {
		fmt.Printf("%s  %-18s %s\n", ui.RenderDim(stamp), label, compactJSON(ev.Data))
		return
	}
	fmt.Printf("%s  %s\n", ui.RenderDim(stamp), label)
}

// compactJSON renders event payloads on one line; non-JSON data is
// printed as-is.
func compactJSON(data json.RawMessage) string {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	buf, err := json.Marshal(v)
	if err != nil {
		return string(data)
	}
	return string(buf)
}

func init() {
	rootCmd.AddCommand(eventsCmd)
}
