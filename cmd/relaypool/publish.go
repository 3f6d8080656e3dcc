package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/spf13/cobra"

	"relaypool/internal/pool"
)

var publishCmd = &cobra.Command{
	Use:   "publish [event.json|-]",
	Short: "Publish an event and print each relay's acknowledgment",
	Long: `Publish an event to every writable relay. The event is read from a file or
stdin, or built from --content and --kind. With --sec it is signed first;
otherwise it must already carry an id and signature.`,
	Example: `
  relaypool publish -r nos.lol --sec <hex secret> --content "hello"
  relaypool publish -r nos.lol signed-event.json
  cat event.json | relaypool publish -r nos.lol --sec <hex secret> -`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPublish,
}

func init() {
	registerEventFlags(publishCmd)
	publishCmd.Flags().String("sec", "", "hex secret key used to sign the event")
	publishCmd.Flags().StringSlice("to", nil, "publish only to these pool relays")
}

func registerEventFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("content", "", "content of a new event")
	f.Int("kind", nostr.KindTextNote, "kind of a new event")
	f.StringArray("tag", nil, "tag of a new event as name=value[,value...], repeatable")
}

func runPublish(cmd *cobra.Command, args []string) error {
	ev, err := eventFromInput(cmd, args)
	if err != nil {
		return err
	}

	if sec, _ := cmd.Flags().GetString("sec"); sec != "" {
		if ev.CreatedAt == 0 {
			ev.CreatedAt = nostr.Now()
		}
		if err := ev.Sign(sec); err != nil {
			return fmt.Errorf("failed to sign event: %w", err)
		}
	}
	if ev.ID == "" || ev.Sig == "" {
		return errors.New("event is not signed; pass --sec")
	}
	if ok, err := ev.CheckSignature(); err != nil || !ok {
		return errors.New("event signature does not verify")
	}

	s, err := openSession(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	out := &lineWriter{w: cmd.OutOrStdout()}
	var mu sync.Mutex
	answered := make(map[string]bool)
	allAnswered := make(chan struct{}, 1)
	var expected int

	opts := []pool.PublishOption{pool.WithAckHandler(func(a pool.Ack) {
		if err := out.WriteJSON(a); err != nil {
			logger.Error().Err(err).Msg("failed to write ack")
		}
		mu.Lock()
		answered[a.Relay] = true
		complete := len(answered) >= expected
		mu.Unlock()
		if complete {
			select {
			case allAnswered <- struct{}{}:
			default:
			}
		}
	})}
	if to, _ := cmd.Flags().GetStringSlice("to"); len(to) > 0 {
		opts = append(opts, pool.ToRelays(to...))
	}

	// acks that race the return of Publish wait for expected
	mu.Lock()
	result, err := s.pool.Publish(ev, opts...)
	expected = len(result.Sent)
	mu.Unlock()

	for relayURL, ferr := range result.Failed {
		logger.Warn().Err(ferr).Str("relay", relayURL).Msg("event not sent")
	}
	if err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}
	logger.Info().Str("eventID", ev.ID).Strs("relays", result.Sent).Msg("event sent, waiting for acknowledgments")

	timeout := time.NewTimer(cfg.GetAckTimeoutDuration())
	defer timeout.Stop()
	select {
	case <-allAnswered:
	case <-timeout.C:
		mu.Lock()
		missing := len(result.Sent) - len(answered)
		mu.Unlock()
		logger.Warn().Int("relays", missing).Msg("no acknowledgment before timeout")
	case <-cmd.Context().Done():
	}
	return nil
}

// eventFromInput reads the event named by args, or builds one from flags
func eventFromInput(cmd *cobra.Command, args []string) (*nostr.Event, error) {
	flags := cmd.Flags()
	if len(args) == 0 {
		if !flags.Changed("content") {
			return nil, errors.New("pass an event file, - for stdin, or --content")
		}
		content, _ := flags.GetString("content")
		kind, _ := flags.GetInt("kind")
		ev := &nostr.Event{Kind: kind, Content: content, Tags: nostr.Tags{}}
		tags, _ := flags.GetStringArray("tag")
		for _, t := range tags {
			name, values, ok := strings.Cut(t, "=")
			if !ok || name == "" {
				return nil, fmt.Errorf("invalid --tag %q, want name=value[,value...]", t)
			}
			ev.Tags = append(ev.Tags, append(nostr.Tag{name}, strings.Split(values, ",")...))
		}
		return ev, nil
	}

	var r io.Reader = cmd.InOrStdin()
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return nil, fmt.Errorf("failed to open event: %w", err)
		}
		defer f.Close()
		r = f
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read event: %w", err)
	}
	ev := &nostr.Event{}
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("failed to parse event: %w", err)
	}
	if ev.Tags == nil {
		ev.Tags = nostr.Tags{}
	}
	return ev, nil
}
