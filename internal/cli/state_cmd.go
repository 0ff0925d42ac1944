package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tOgg1/chatsync/internal/db"
	"github.com/tOgg1/chatsync/internal/state"
)

// stateReport is the --json output of state.
type stateReport struct {
	Path  string           `json:"path"`
	State state.LocalState `json:"state"`
	Cache *cacheReport     `json:"cache,omitempty"`
}

type cacheReport struct {
	Path  string        `json:"path"`
	Stats db.CacheStats `json:"stats"`
}

func newStateCmd(opts *rootOptions) *cobra.Command {
	var (
		jsonOut       bool
		sound         string
		notifications string
	)
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Show persisted local state",
		Long: `Print the persisted selection and notification toggles, plus page cache
totals when the cache exists. --sound and --notifications change a toggle
before printing.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			st := state.New(cfg.StatePath())
			if err := st.Load(); err != nil {
				return err
			}
			if sound != "" || notifications != "" {
				if err := applyToggles(st, sound, notifications); err != nil {
					return err
				}
			}
			report := stateReport{Path: st.Path(), State: st.Snapshot()}

			if cfg.Cache.Enabled {
				if _, err := os.Stat(cfg.CachePath()); err == nil {
					database, err := db.Open(db.Config{Path: cfg.CachePath(), BusyTimeoutMs: cfg.Cache.BusyTimeoutMs})
					if err != nil {
						return err
					}
					defer database.Close()
					stats, err := db.NewPageRepository(database).Stats(cmd.Context())
					if err != nil {
						return err
					}
					report.Cache = &cacheReport{Path: database.Path(), Stats: stats}
				} else if !errors.Is(err, fs.ErrNotExist) {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}

			selection := "-"
			if report.State.LastSelection != nil {
				selection = report.State.LastSelection.String()
			}
			updated := "-"
			if !report.State.UpdatedAt.IsZero() {
				updated = report.State.UpdatedAt.Local().Format(time.RFC3339)
			}
			rows := [][]string{
				{"state file", report.Path},
				{"version", strconv.Itoa(report.State.Version)},
				{"last selection", selection},
				{"sound", formatYesNo(report.State.Preferences.Sound)},
				{"notifications", formatYesNo(report.State.Preferences.Notifications)},
				{"updated", updated},
			}
			if report.Cache != nil {
				rows = append(rows,
					[]string{"cache file", report.Cache.Path},
					[]string{"cached conversations", strconv.FormatInt(report.Cache.Stats.Conversations, 10)},
					[]string{"cached pages", strconv.FormatInt(report.Cache.Stats.Pages, 10)},
					[]string{"cached messages", strconv.FormatInt(report.Cache.Stats.Messages, 10)},
				)
			}
			return writeTable(out, nil, rows)
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the report as JSON")
	cmd.Flags().StringVar(&sound, "sound", "", "set the sound toggle (on, off)")
	cmd.Flags().StringVar(&notifications, "notifications", "", "set the desktop notification toggle (on, off)")
	return cmd
}

func applyToggles(st *state.Manager, sound, notifications string) error {
	if sound != "" {
		enabled, err := parseToggle("sound", sound)
		if err != nil {
			return err
		}
		st.SetSoundEnabled(enabled)
	}
	if notifications != "" {
		enabled, err := parseToggle("notifications", notifications)
		if err != nil {
			return err
		}
		st.SetNotificationsEnabled(enabled)
	}
	return st.Close()
}

func parseToggle(name, value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "on", "yes":
		return true, nil
	case "off", "no":
		return false, nil
	}
	enabled, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("--%s must be on or off, got %q", name, value)
	}
	return enabled, nil
}
