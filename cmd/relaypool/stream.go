package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"github.com/spf13/cobra"

	"relaypool/internal/filter"
	"relaypool/internal/pool"
	"relaypool/internal/subscription"
)

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Subscribe and print matching events as JSON lines",
	Long: `Subscribe to every readable relay and print each event once, however many
relays deliver it. Filter flags build one filter; --filter adds raw NIP-01
filters, all joined by OR.`,
	Example: `
  relaypool stream -r nos.lol --kind 1 --author <hex pubkey> --limit 10 --eose
  relaypool stream -r nos.lol --tag t=nostr,golang
  relaypool stream -r nos.lol --filter '{"kinds":[0],"limit":5}'`,
	RunE: runStream,
}

func init() {
	registerFilterFlags(streamCmd)
	streamCmd.Flags().String("sub-id", "", "subscription id (generated when empty)")
	streamCmd.Flags().Bool("eose", false, "exit once every relay has sent its stored events")
}

func registerFilterFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.IntSlice("kind", nil, "event kind, repeatable")
	f.StringSlice("author", nil, "author pubkey (hex), repeatable")
	f.StringSlice("id", nil, "event id (hex), repeatable")
	f.StringArray("tag", nil, "tag constraint name=value[,value...], repeatable")
	f.Int64("since", 0, "only events created at or after this unix time")
	f.Int64("until", 0, "only events created at or before this unix time")
	f.Int("limit", 0, "maximum stored events each relay should return")
	f.StringArray("filter", nil, "raw NIP-01 filter JSON, repeatable")
}

func runStream(cmd *cobra.Command, _ []string) error {
	filters, err := filtersFromFlags(cmd)
	if err != nil {
		return err
	}

	s, err := openSession(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	out := &lineWriter{w: cmd.OutOrStdout()}
	exitOnEOSE, _ := cmd.Flags().GetBool("eose")

	pending := make(map[string]bool)
	for _, info := range s.pool.Relays() {
		if info.Policy.Read {
			pending[info.URL] = true
		}
	}
	var mu sync.Mutex
	done := make(chan struct{})
	var doneOnce sync.Once
	markDone := func(relayURL string) {
		mu.Lock()
		delete(pending, relayURL)
		empty := len(pending) == 0
		mu.Unlock()
		if empty {
			doneOnce.Do(func() { close(done) })
		}
	}

	handler := subscription.Funcs{
		Event: func(relayURL string, ev *nostr.Event) {
			if err := out.WriteJSON(ev); err != nil {
				logger.Error().Err(err).Msg("failed to write event")
			}
		},
		EOSE: func(relayURL string) {
			logger.Debug().Str("relay", relayURL).Msg("end of stored events")
			markDone(relayURL)
		},
		Closed: func(relayURL, reason string) {
			logger.Warn().Str("relay", relayURL).Str("reason", reason).Msg("subscription closed by relay")
			markDone(relayURL)
		},
	}

	var opts []pool.SubscribeOption
	if id, _ := cmd.Flags().GetString("sub-id"); id != "" {
		opts = append(opts, pool.WithID(id))
	}

	sub, err := s.pool.Subscribe(filters, handler, opts...)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	logger.Info().Str("subID", sub.ID).Int("filters", len(filters)).Msg("streaming events")

	finished := done
	if !exitOnEOSE {
		finished = nil
	}
	select {
	case <-cmd.Context().Done():
	case <-finished:
	}
	return nil
}

func filtersFromFlags(cmd *cobra.Command) (filter.Filters, error) {
	flags := cmd.Flags()
	var filters filter.Filters

	var opts []filter.Option
	if kinds, _ := flags.GetIntSlice("kind"); len(kinds) > 0 {
		opts = append(opts, filter.Kinds(kinds...))
	}
	if authors, _ := flags.GetStringSlice("author"); len(authors) > 0 {
		opts = append(opts, filter.Authors(authors...))
	}
	if ids, _ := flags.GetStringSlice("id"); len(ids) > 0 {
		opts = append(opts, filter.IDs(ids...))
	}
	tags, _ := flags.GetStringArray("tag")
	for _, t := range tags {
		name, values, ok := strings.Cut(t, "=")
		if !ok || name == "" || values == "" {
			return nil, fmt.Errorf("invalid --tag %q, want name=value[,value...]", t)
		}
		opts = append(opts, filter.Tag(name, strings.Split(values, ",")...))
	}
	if flags.Changed("since") {
		since, _ := flags.GetInt64("since")
		opts = append(opts, filter.Since(nostr.Timestamp(since)))
	}
	if flags.Changed("until") {
		until, _ := flags.GetInt64("until")
		opts = append(opts, filter.Until(nostr.Timestamp(until)))
	}
	if flags.Changed("limit") {
		limit, _ := flags.GetInt("limit")
		opts = append(opts, filter.Limit(limit))
	}

	raw, _ := flags.GetStringArray("filter")
	if len(opts) > 0 || len(raw) == 0 {
		f, err := filter.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("invalid filter flags: %w", err)
		}
		filters = append(filters, f)
	}

	for _, r := range raw {
		var nf nostr.Filter
		if err := json.Unmarshal([]byte(r), &nf); err != nil {
			return nil, fmt.Errorf("invalid --filter %q: %w", r, err)
		}
		f, err := filter.FromNostr(nf)
		if err != nil {
			return nil, fmt.Errorf("invalid --filter %q: %w", r, err)
		}
		filters = append(filters, f)
	}
	return filters, nil
}

// lineWriter serialises JSON lines written from several goroutines
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lineWriter) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	lw.mu.Lock()
	defer lw.mu.Unlock()
	_, err = fmt.Fprintf(lw.w, "%s\n", data)
	return err
}
