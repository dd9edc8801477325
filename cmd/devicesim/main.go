package main

// ============================================================================
// 職責說明：
// 1. 在本機啟動模擬 MultiTransport 設備，供示範與手動測試
// 2. 以旗標設定 players / tracks / sections
// 3. SIGINT / SIGTERM 時關閉
//
// 範例：
//   devicesim --listen :54321 --players "Transport A,Transport B" \
//     --tracks Intro,Finale --section "Intro=Verse,Chorus" --section "Finale=Bows"
// ============================================================================

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/mtcbridge/internal/devicesim"
)

func main() {
	if err := buildCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func buildCommand() *cobra.Command {
	var (
		listen   string
		players  []string
		tracks   []string
		sections []string
		verbose  bool
	)

	cmd := &cobra.Command{
		Use:          "devicesim",
		Short:        "Simulated MultiTransport device speaking line-delimited JSON",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			sectionMap, err := parseSections(sections)
			if err != nil {
				return err
			}

			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

			srv := devicesim.New(devicesim.Config{
				Addr:     listen,
				Players:  players,
				Tracks:   tracks,
				Sections: sectionMap,
				Logger:   logger,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			err = srv.Serve(ctx)
			logger.Info("Device simulator stopped",
				"queries", len(srv.Queries()),
				"commands", len(srv.Commands()))
			return err
		},
	}

	cmd.Flags().StringVar(&listen, "listen", ":54321", "listen address")
	cmd.Flags().StringSliceVar(&players, "players", []string{"Transport A"}, "player names")
	cmd.Flags().StringSliceVar(&tracks, "tracks", []string{"Track 1"}, "track names")
	cmd.Flags().StringArrayVar(&sections, "section", nil, "sections of a track as Track=S1,S2 (repeatable)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	return cmd
}

// parseSections 將 "Track=S1,S2" 轉成 map
func parseSections(entries []string) (map[string][]string, error) {
	out := make(map[string][]string, len(entries))
	for _, entry := range entries {
		track, list, ok := strings.Cut(entry, "=")
		track = strings.TrimSpace(track)
		if !ok || track == "" {
			return nil, fmt.Errorf("invalid --section %q: expected Track=S1,S2", entry)
		}
		var names []string
		for _, name := range strings.Split(list, ",") {
			if name = strings.TrimSpace(name); name != "" {
				names = append(names, name)
			}
		}
		out[track] = names
	}
	return out, nil
}
