package cmd

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goclaw-gateway/internal/config"
	"github.com/nextlevelbuilder/goclaw-gateway/pkg/protocol"
)

func consoleCmd() *cobra.Command {
	var addr, token string
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Attach a debug REPL to a running gateway as a desktop client",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConsole(addr, token)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "gateway wss:// address (default: from local config)")
	cmd.Flags().StringVar(&token, "token", "", "auth token (default: GATEWAY_AUTH_TOKEN or local config)")
	return cmd
}

// runConsole connects to a gateway's /ws endpoint as an authenticated
// desktop-style subscriber and offers a REPL over it — chat.send goes out,
// every event frame prints as it arrives. Useful for approving tool calls
// and watching a session from a terminal during development.
func runConsole(addr, token string) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if addr == "" {
		scheme := "ws"
		if cfg.TLS.Enabled {
			scheme = "wss"
		}
		addr = fmt.Sprintf("%s://%s:%d/ws", scheme, cfg.Gateway.Host, cfg.Gateway.Port)
	}
	if token == "" {
		token = cfg.Gateway.AuthToken
	}
	if token == "" {
		return fmt.Errorf("no auth token: pass --token or set GATEWAY_AUTH_TOKEN")
	}

	dialer := websocket.Dialer{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	conn, _, err := dialer.Dial(addr, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(struct {
		Token   string `json:"token"`
		Channel string `json:"channel,omitempty"`
	}{Token: token, Channel: "desktop"}); err != nil {
		return fmt.Errorf("send auth frame: %w", err)
	}

	go printEvents(conn)

	rl, err := readline.New(color.CyanString("goclaw> "))
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	defer rl.Close()

	fmt.Println("Connected. Type a message to send chat.send, or /quit to exit.")
	reqID := 0
	for {
		line, err := rl.Readline()
		if err == io.EOF || err == readline.ErrInterrupt {
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "/quit" {
			return nil
		}
		reqID++
		req := protocol.Request{
			ID:     fmt.Sprintf("console-%d", reqID),
			Method: protocol.MethodChatSend,
			Params: map[string]interface{}{"prompt": line},
		}
		if err := conn.WriteJSON(req); err != nil {
			color.Red("send failed: %v", err)
		}
	}
}

func printEvents(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			color.Red("connection closed: %v", err)
			return
		}
		var generic map[string]json.RawMessage
		if err := json.Unmarshal(raw, &generic); err != nil {
			fmt.Println(string(raw))
			continue
		}
		if _, isEvent := generic["event"]; isEvent {
			var env protocol.Envelope
			json.Unmarshal(raw, &env)
			color.Yellow("[%s] %s", env.Event, mustCompact(env.Data))
			continue
		}
		var resp protocol.Response
		json.Unmarshal(raw, &resp)
		if resp.Error != "" {
			color.Red("error: %s", resp.Error)
		} else {
			color.Green("ok: %s", mustCompact(resp.Result))
		}
	}
}

func mustCompact(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
