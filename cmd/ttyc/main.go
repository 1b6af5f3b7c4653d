// ttyc attaches the local terminal to a ttyd server: it puts stdin
// into raw mode, relays keystrokes as INPUT frames, forwards window
// size changes, and renders OUTPUT frames to stdout.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
	"nhooyr.io/websocket"

	"github.com/Xiaohua-Shen/ttyd/internal/protocol"
)

func main() {
	urlFlag := flag.String("url", "ws://127.0.0.1:7681/ws", "server web socket URL")
	credential := flag.String("credential", "", "authentication token")
	flag.Parse()

	if err := run(*urlFlag, *credential); err != nil {
		fmt.Fprintf(os.Stderr, "ttyc: %v\n", err)
		os.Exit(1)
	}
}

func run(url, credential string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, url, nil)
	dialCancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(1 << 20)

	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	// Authenticate, then report the initial window size.
	if err := conn.Write(ctx, websocket.MessageBinary, protocol.AuthMessage(credential)); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}
	if err := sendSize(ctx, conn, fd); err != nil {
		log.Printf("send initial size: %v", err)
	}

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, unix.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			if err := sendSize(ctx, conn, fd); err != nil {
				return
			}
		}
	}()

	// stdin → INPUT frames.
	go func() {
		defer cancel()
		buf := make([]byte, 256)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if werr := conn.Write(ctx, websocket.MessageBinary, protocol.Encode(protocol.Input, buf[:n])); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	// Server frames → stdout.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || ctx.Err() != nil {
				return nil
			}
			return err
		}
		frame, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		switch frame.Type {
		case protocol.Output:
			os.Stdout.Write(frame.Payload)
		case protocol.SetWindowTitle:
			fmt.Fprintf(os.Stdout, "\x1b]0;%s\x07", frame.Payload)
		case protocol.SetReconnect, protocol.SetPreferences:
			// Meaningful to the browser client only.
		}
	}
}

func sendSize(ctx context.Context, conn *websocket.Conn, fd int) error {
	cols, rows, err := term.GetSize(fd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageBinary, protocol.ResizeMessage(uint16(cols), uint16(rows)))
}
