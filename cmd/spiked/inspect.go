package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hed1ad/spiked/pkg/checkpoint"
	"github.com/hed1ad/spiked/pkg/detectors/iid"
)

// snapshotView is the printable form of a checkpoint.
type snapshotView struct {
	Series           string    `json:"series" yaml:"series"`
	Mode             string    `json:"mode" yaml:"mode"`
	Confidence       float64   `json:"confidence" yaml:"confidence"`
	Threshold        float64   `json:"threshold" yaml:"threshold"`
	Side             string    `json:"side" yaml:"side"`
	PValueMethod     string    `json:"pvalue_method" yaml:"pvalue_method"`
	TieBreak         string    `json:"tie_break" yaml:"tie_break"`
	Seed             int64     `json:"seed" yaml:"seed"`
	Martingale       string    `json:"martingale" yaml:"martingale"`
	PowerEpsilon     float64   `json:"power_epsilon" yaml:"power_epsilon"`
	HistoryLength    int       `json:"history_length" yaml:"history_length"`
	MartingaleLength int       `json:"martingale_length" yaml:"martingale_length"`
	Observations     uint64    `json:"observations" yaml:"observations"`
	History          []float64 `json:"history" yaml:"history"`
	Bets             int       `json:"buffered_bets" yaml:"buffered_bets"`
	LogMartingale    float64   `json:"log_martingale" yaml:"log_martingale"`
}

func newSnapshotView(series string, s iid.Snapshot) snapshotView {
	c := s.Config
	return snapshotView{
		Series:           series,
		Mode:             c.Mode.String(),
		Confidence:       c.Confidence,
		Threshold:        c.Threshold(),
		Side:             c.Side.String(),
		PValueMethod:     c.PValueMethod.String(),
		TieBreak:         c.TieBreak.String(),
		Seed:             c.Seed,
		Martingale:       c.Martingale.String(),
		PowerEpsilon:     c.PowerEpsilon,
		HistoryLength:    c.HistoryLength,
		MartingaleLength: c.MartingaleLength,
		Observations:     s.Count,
		History:          s.History,
		Bets:             len(s.Bets),
		LogMartingale:    s.LogMartingale(),
	}
}

type snapshotPrinter interface {
	print(v snapshotView) error
}

func newSnapshotPrinter(format string, a *app) (snapshotPrinter, error) {
	switch format {
	case "text":
		return &textPrinter{w: a.stdout}, nil
	case "yaml":
		return &yamlPrinter{w: a.stdout}, nil
	case "json":
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		return jsonPrinter{enc: enc}, nil
	default:
		return nil, fmt.Errorf("unknown output format %q: must be text, yaml or json", format)
	}
}

func newInspectCommand(a *app) *cobra.Command {
	var file, format string

	cmd := &cobra.Command{
		Use:   "inspect [series...]",
		Short: "Print the contents of detector checkpoints",
		Long: `Decodes checkpoints and prints their configuration and state.

Without arguments the keys of the configured checkpoint store are listed.
With --file a raw checkpoint written by Detector.Save is decoded instead.`,
		Example: `  spiked inspect --checkpoint-backend sqlite --checkpoint-path state.db
  spiked inspect --checkpoint-backend file --checkpoint-path ./ckpt cpu disk
  spiked inspect --file detector.spkd`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := newSnapshotPrinter(format, a)
			if err != nil {
				return err
			}
			if file != "" {
				if len(args) > 0 {
					return errors.New("--file takes no series arguments")
				}
				return a.inspectFile(p, file)
			}
			return a.inspectStore(cmd, p, args)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "raw checkpoint file to decode")
	cmd.Flags().StringVarP(&format, "format", "o", "text", "output format: text, yaml, json")
	return cmd
}

func (a *app) inspectFile(p snapshotPrinter, path string) error {
	blob, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	snap, err := iid.DecodeSnapshot(blob)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return p.print(newSnapshotView(path, snap))
}

func (a *app) inspectStore(cmd *cobra.Command, p snapshotPrinter, keys []string) error {
	ctx := cmd.Context()
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	store, err := cfg.Checkpoint.OpenStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("no checkpoint backend configured: set --checkpoint-backend or use --file")
	}
	defer store.Close()

	if len(keys) == 0 {
		list, err := store.List(ctx)
		if err != nil {
			return err
		}
		for _, k := range list {
			fmt.Fprintln(a.stdout, k)
		}
		return nil
	}

	for _, key := range keys {
		blob, err := store.Load(ctx, key)
		if errors.Is(err, checkpoint.ErrNotFound) {
			return fmt.Errorf("series %q: %w", key, err)
		}
		if err != nil {
			return err
		}
		snap, err := iid.DecodeSnapshot(blob)
		if err != nil {
			return fmt.Errorf("series %q: %w", key, err)
		}
		if err := p.print(newSnapshotView(key, snap)); err != nil {
			return err
		}
	}
	return nil
}

type textPrinter struct {
	w       io.Writer
	printed bool
}

func (t *textPrinter) print(v snapshotView) error {
	w := t.w
	if t.printed {
		fmt.Fprintln(w)
	}
	t.printed = true

	fmt.Fprintf(w, "series:            %s\n", v.Series)
	fmt.Fprintf(w, "mode:              %s\n", v.Mode)
	fmt.Fprintf(w, "confidence:        %g (threshold %g)\n", v.Confidence, v.Threshold)
	fmt.Fprintf(w, "side:              %s\n", v.Side)
	fmt.Fprintf(w, "p-value method:    %s", v.PValueMethod)
	if v.PValueMethod == iid.PValueRank.String() {
		fmt.Fprintf(w, " (%s, seed %d)", v.TieBreak, v.Seed)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "martingale:        %s", v.Martingale)
	if v.Martingale == iid.MartingalePower.String() {
		fmt.Fprintf(w, " (epsilon %g)", v.PowerEpsilon)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "observations:      %d\n", v.Observations)
	fmt.Fprintf(w, "history:           %d/%d %s\n", len(v.History), v.HistoryLength, formatValues(v.History))
	fmt.Fprintf(w, "martingale window: %d/%d\n", v.Bets, v.MartingaleLength)
	_, err := fmt.Fprintf(w, "log martingale:    %.6f\n", v.LogMartingale)
	return err
}

// yamlPrinter writes one YAML document per snapshot.
type yamlPrinter struct {
	w       io.Writer
	printed bool
}

func (y *yamlPrinter) print(v snapshotView) error {
	out, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	if y.printed {
		if _, err := io.WriteString(y.w, "---\n"); err != nil {
			return err
		}
	}
	y.printed = true
	_, err = y.w.Write(out)
	return err
}

type jsonPrinter struct {
	enc *json.Encoder
}

func (j jsonPrinter) print(v snapshotView) error {
	return j.enc.Encode(v)
}

// formatValues renders at most the last 10 values.
func formatValues(values []float64) string {
	const limit = 10
	var b strings.Builder
	b.WriteByte('[')
	if len(values) > limit {
		b.WriteString("... ")
		values = values[len(values)-limit:]
	}
	for i, v := range values {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%g", v)
	}
	b.WriteByte(']')
	return b.String()
}
