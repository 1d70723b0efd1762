// root and prove commands: offline Merkle roots and inclusion proofs for span files
// Nothing is fetched or submitted; the file's spans are committed exactly as the service would
package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/andrewh/traceanchor/pkg/anchor"
	"github.com/andrewh/traceanchor/pkg/canon"
	"github.com/andrewh/traceanchor/pkg/merkle"
	"github.com/andrewh/traceanchor/pkg/span"
	"github.com/andrewh/traceanchor/pkg/tracefetch"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

type fileOptions struct {
	format    string
	traceID   string
	threshold int
}

func (o *fileOptions) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.format, "format", "auto", "input format: auto, json, yaml, or otlp")
	cmd.Flags().StringVar(&o.traceID, "trace", "", "only commit spans with this traceId")
	cmd.Flags().IntVar(&o.threshold, "parallel-threshold", anchor.DefaultParallelThreshold, "span count at which encoding fans out")
}

// commitFile loads, orders and commits the spans in path.
func (o *fileOptions) commitFile(cmd *cobra.Command, path string) ([]span.Span, *merkle.Tree, error) {
	src := tracefetch.FileSource{Path: path, Format: tracefetch.Format(o.format)}
	spans, err := src.Fetch(cmd.Context(), o.traceID)
	if err != nil {
		return nil, nil, err
	}
	a := &anchor.Anchorer{ParallelThreshold: o.threshold}
	tree, err := a.Commit(cmd.Context(), spans)
	if err != nil {
		return nil, nil, err
	}
	return span.Order(spans), tree, nil
}

func rootHashCmd() *cobra.Command {
	var (
		opts      fileOptions
		showTable bool
	)

	cmd := &cobra.Command{
		Use:   "root <spans-file>",
		Short: "Print the Merkle root of the spans in a file",
		Long: "Print the Merkle root of the spans in a file.\n\n" +
			"The file may hold {\"spans\": [...]}, a bare JSON array, YAML, or an OTLP/JSON export.",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("missing spans file\n\nUsage: traceanchor root <spans-file>")
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ordered, tree, err := opts.commitFile(cmd, args[0])
			if err != nil {
				return err
			}
			cid, err := tree.RootCID()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !showTable {
				_, _ = fmt.Fprintln(out, tree.RootHex())
				return nil
			}

			t := table.NewWriter()
			t.SetOutputMirror(out)
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"#", "traceId", "startedAt", "spanId", "leaf hash"})
			for i, s := range ordered {
				leaf, err := tree.LeafHash(i)
				if err != nil {
					return err
				}
				k := span.SortKey(s)
				t.AppendRow(table.Row{i, k.TraceID, k.StartedAt, k.SpanID, hex.EncodeToString(leaf)})
			}
			t.Render()
			_, _ = fmt.Fprintf(out, "%d spans\nroot %s\ncid  %s\n", tree.Size(), tree.RootHex(), cid)
			return nil
		},
	}

	opts.register(cmd)
	cmd.Flags().BoolVar(&showTable, "table", false, "print the ordered leaves as a table")

	return cmd
}

// proofOutput carries the span as its canonical entry; raw span values such
// as NaN or non-string map keys have no JSON form.
type proofOutput struct {
	Index     int      `json:"index"`
	Size      int      `json:"size"`
	Root      string   `json:"root"`
	LeafHash  string   `json:"leaf_hash"`
	Path      []string `json:"path"`
	TraceID   string   `json:"trace_id"`
	StartedAt string   `json:"started_at"`
	SpanID    string   `json:"span_id"`
	Entry     string   `json:"entry"`
}

func proveCmd() *cobra.Command {
	var opts fileOptions

	cmd := &cobra.Command{
		Use:   "prove <spans-file> <index>",
		Short: "Print and check the inclusion proof of one ordered span",
		Long: "Print and check the inclusion proof of one ordered span.\n\n" +
			"The index refers to the span's position after ordering by traceId, startedAt and spanId.",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) < 2 {
				return fmt.Errorf("missing spans file or index\n\nUsage: traceanchor prove <spans-file> <index>")
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid index %q: %w", args[1], err)
			}
			ordered, tree, err := opts.commitFile(cmd, args[0])
			if err != nil {
				return err
			}
			if index < 0 || index >= tree.Size() {
				return fmt.Errorf("index %d out of range for %d spans", index, tree.Size())
			}

			path, err := tree.InclusionProof(index)
			if err != nil {
				return err
			}
			leaf, err := tree.LeafHash(index)
			if err != nil {
				return err
			}
			entry, err := canon.Encode(ordered[index])
			if err != nil {
				return err
			}
			if err := merkle.VerifyInclusion(entry, index, tree.Size(), path, tree.Root()); err != nil {
				return fmt.Errorf("proof did not verify: %w", err)
			}

			key := span.SortKey(ordered[index])
			out := proofOutput{
				Index:     index,
				Size:      tree.Size(),
				Root:      tree.RootHex(),
				LeafHash:  hex.EncodeToString(leaf),
				Path:      make([]string, len(path)),
				TraceID:   key.TraceID,
				StartedAt: key.StartedAt,
				SpanID:    key.SpanID,
				Entry:     string(entry),
			}
			for i, p := range path {
				out.Path[i] = hex.EncodeToString(p)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}

	opts.register(cmd)

	return cmd
}
