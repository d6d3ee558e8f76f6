// cli is a terminal client for the battle server. Lines typed on stdin are
// sent as messages; /start, /next and /quit control the battle.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"roastarena/backend/internal/client"
	"roastarena/backend/internal/config"
	"roastarena/backend/internal/models"

	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("cli", pflag.ContinueOnError)
	server := flags.String("server", "http://localhost:8080", "server base URL")
	username := flags.StringP("username", "u", "", "display name")
	avatar := flags.String("avatar", "", "avatar reference")
	token := flags.String("token", "", "identity token (a new identity is created when empty)")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	base, err := url.Parse(*server)
	if err != nil {
		return fmt.Errorf("invalid --server: %w", err)
	}
	anonID := ""
	if *token == "" {
		if *token, anonID, err = newIdentity(ctx, base); err != nil {
			return err
		}
		fmt.Printf("your id: %s\n", anonID)
	}

	wsURL := *base
	wsURL.Scheme = "ws"
	if base.Scheme == "https" {
		wsURL.Scheme = "wss"
	}
	wsURL.Path = config.DefaultWebSocketPath

	c, err := client.Dial(ctx, client.Options{URL: wsURL.String(), Token: *token})
	if err != nil {
		return err
	}
	defer c.Close()

	if *username != "" {
		if err := c.SetProfile(*username, *avatar, anonID); err != nil {
			return err
		}
	}

	go printEvents(c)

	typing := client.NewTypingDebouncer(c, config.TypingDelay)
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := handleLine(c, typing, line); err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
		}
	}
}

func handleLine(c *client.Client, typing *client.TypingDebouncer, line string) error {
	switch strings.TrimSpace(line) {
	case "":
		return nil
	case "/start":
		return c.StartChat()
	case "/next":
		return c.SkipPartner()
	case "/quit":
		return io.EOF
	}
	typing.Keystroke()
	typing.Flush()
	return c.SendMessage(line)
}

func printEvents(c *client.Client) {
	partner := "opponent"
	for env := range c.Events() {
		switch env.Type {
		case models.EventConnectionUpdate:
			var p models.ConnectionUpdatePayload
			_ = json.Unmarshal(env.Data, &p)
			fmt.Printf("* %s\n", p.Message)
		case models.EventWaiting:
			fmt.Println("* waiting for an opponent...")
		case models.EventChatStart:
			var p models.ChatStartPayload
			_ = json.Unmarshal(env.Data, &p)
			partner = p.PartnerUsername
			fmt.Printf("* matched with %s, start roasting\n", partner)
		case models.EventReceiveMessage:
			var p models.ReceiveMessagePayload
			_ = json.Unmarshal(env.Data, &p)
			fmt.Printf("%s: %s\n", p.Username, p.Text)
		case models.EventPartnerTyping:
			fmt.Printf("* %s is typing...\n", partner)
		case models.EventPartnerLeft:
			var p models.PartnerLeftPayload
			_ = json.Unmarshal(env.Data, &p)
			fmt.Printf("* %s (/start for a new battle)\n", p.Message)
		case models.EventError:
			var p models.ErrorPayload
			_ = json.Unmarshal(env.Data, &p)
			fmt.Printf("! %s: %s\n", p.Code, p.Message)
		}
	}
	if err := c.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "disconnected: %v\n", err)
	}
}

// newIdentity fetches a fresh anonymous identity from /anonid.
func newIdentity(ctx context.Context, base *url.URL) (token, anonID string, err error) {
	ctx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base.JoinPath("/anonid").String(), nil)
	if err != nil {
		return "", "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", client.ErrConnectFailure, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("anonid: unexpected status %s", resp.Status)
	}

	var body struct {
		Token  string `json:"token"`
		AnonID string `json:"anon_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", "", err
	}
	return body.Token, body.AnonID, nil
}
