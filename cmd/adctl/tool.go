package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/devrev/pairdb/adstore/internal/classad"
	"github.com/devrev/pairdb/adstore/internal/model"
	"github.com/devrev/pairdb/adstore/internal/service"
	"github.com/devrev/pairdb/adstore/internal/storage/collection"
)

// toolT implements the offline record log tools.
type toolT struct {
	Root       *cobra.Command
	Dump       *cobra.Command
	Verify     *cobra.Command
	Compact    *cobra.Command
	Partitions *cobra.Command

	logLevel   string
	format     string
	from       string
	keep       int
	attrs      []string
	constraint string
	rank       string

	logger *zap.Logger
}

func newTool() *toolT {
	t := &toolT{}

	t.Root = &cobra.Command{
		Use:           "adctl",
		Short:         "Ad store record log tools",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return t.initLogger(cmd.ErrOrStderr())
		},
	}
	t.Dump = &cobra.Command{
		Use:   "dump <log-file>",
		Short: "print every committed record",
		Long: `
Replay the record log without modifying it and print every committed
record in key order.
`,
		Args: cobra.ExactArgs(1),
		RunE: t.runDump,
	}
	t.Verify = &cobra.Command{
		Use:   "verify <log-file>",
		Short: "check a record log for damage",
		Long: `
Read every entry of the record log and report corrupt entries, a truncated
tail and transactions that were never committed. Exits non-zero when the
log is damaged.
`,
		Args: cobra.ExactArgs(1),
		RunE: t.runVerify,
	}
	t.Compact = &cobra.Command{
		Use:   "compact <log-file>",
		Short: "rewrite a record log as a checkpoint",
		Long: `
Replay the record log and atomically replace it with a checkpoint holding
one entry per committed record. Damaged tails are discarded.
`,
		Args: cobra.ExactArgs(1),
		RunE: t.runCompact,
	}
	t.Partitions = &cobra.Command{
		Use:   "partitions <log-file>",
		Short: "show how records split by attribute values",
		Long: `
Replay the record log without modifying it, partition the records (or the
records matching --constraint) by the values of --attrs and print one row
per partition.
`,
		Args: cobra.ExactArgs(1),
		RunE: t.runPartitions,
	}

	t.Root.AddCommand(t.Dump, t.Verify, t.Compact, t.Partitions)
	t.Root.PersistentFlags().StringVar(&t.logLevel, "log", "warn", "log level")

	t.Dump.Flags().StringVar(&t.format, "format", "json", "output format: json or table")
	t.Dump.Flags().StringVar(&t.from, "from", "", "start at the first key >= this key")
	t.Compact.Flags().IntVar(&t.keep, "keep", 0, "number of historical logs to keep")
	t.Partitions.Flags().StringSliceVar(&t.attrs, "attrs", nil, "attributes to partition by")
	t.Partitions.Flags().StringVar(&t.constraint, "constraint", "", "only partition records matching this expression")
	t.Partitions.Flags().StringVar(&t.rank, "rank", "", "rank attribute of the partitions")
	t.Partitions.MarkFlagRequired("attrs")
	return t
}

func (t *toolT) initLogger(w io.Writer) error {
	level, err := zap.ParseAtomicLevel(t.logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", t.logLevel, err)
	}
	encoder := zap.NewDevelopmentEncoderConfig()
	t.logger = zap.New(zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoder),
		zapcore.AddSync(w),
		level,
	))
	return nil
}

func (t *toolT) openReadOnly(path string) (*service.StoreService, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return service.OpenStore(&service.StoreConfig{
		LogPath:  path,
		ReadOnly: true,
	}, nil, nil, t.logger)
}

func (t *toolT) runDump(cmd *cobra.Command, args []string) (err error) {
	store, err := t.openReadOnly(args[0])
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, store.Close()) }()

	stdout := cmd.OutOrStdout()
	switch t.format {
	case "json":
		var rangeErr error
		store.RangeFrom(t.from, func(key string, ad classad.Ad) bool {
			data, err := json.Marshal(ad)
			if err != nil {
				rangeErr = fmt.Errorf("%s: %w", key, err)
				return false
			}
			fmt.Fprintf(stdout, "%s %s\n", key, data)
			return true
		})
		return rangeErr
	case "table":
		tb := tablewriter.NewWriter(stdout)
		tb.SetHeader([]string{"Key", "Attributes"})
		tb.SetAutoWrapText(false)
		store.RangeFrom(t.from, func(key string, ad classad.Ad) bool {
			tb.Append([]string{key, strings.Join(ad.Names(), ",")})
			return true
		})
		tb.Render()
		return nil
	default:
		return fmt.Errorf("unknown format %q", t.format)
	}
}

func (t *toolT) runVerify(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	keys := make(map[string]struct{})
	result, err := service.ReplayLog(f, func(entry *model.LogEntry) error {
		switch entry.Op {
		case model.OpNewRecord, model.OpUpdateRecord, model.OpModifyRecord:
			keys[entry.Key] = struct{}{}
		case model.OpDestroyRecord:
			delete(keys, entry.Key)
		}
		return nil
	}, t.logger, nil)
	if err != nil {
		return err
	}

	stdout := cmd.OutOrStdout()
	fmt.Fprintf(stdout, "sequence:     %d\n", result.Sequence)
	fmt.Fprintf(stdout, "applied:      %d\n", result.Applied)
	fmt.Fprintf(stdout, "records:      %d\n", len(keys))
	fmt.Fprintf(stdout, "transactions: %d\n", result.Transactions)
	fmt.Fprintf(stdout, "corrupt:      %d\n", result.Corrupt)
	fmt.Fprintf(stdout, "unmatched:    %d\n", result.Unmatched)
	fmt.Fprintf(stdout, "truncated:    %t\n", result.Truncated)
	fmt.Fprintf(stdout, "aborted:      %d\n", result.AbortedEntries)

	if result.Corrupt > 0 || result.Unmatched > 0 || result.NeedsRotation() {
		return fmt.Errorf("%s: log is damaged", args[0])
	}
	return nil
}

func (t *toolT) runCompact(cmd *cobra.Command, args []string) error {
	before, err := os.Stat(args[0])
	if err != nil {
		return err
	}

	// Opening a writable store checkpoints the log.
	store, err := service.OpenStore(&service.StoreConfig{
		LogPath:           args[0],
		SyncWrites:        true,
		MaxHistoricalLogs: t.keep,
		FatalHandler:      func(error) {},
	}, nil, nil, t.logger)
	if err != nil {
		return err
	}
	stats := store.Stats()
	if err := store.Close(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d records, sequence %d, %d -> %d bytes\n",
		args[0], stats.Records, stats.Sequence, before.Size(), stats.LogSize)
	return nil
}

func (t *toolT) runPartitions(cmd *cobra.Command, args []string) (err error) {
	store, err := t.openReadOnly(args[0])
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, store.Close()) }()

	parent := collection.RootID
	if t.constraint != "" {
		if parent, err = store.CreateConstraintView(collection.RootID, "", t.constraint); err != nil {
			return err
		}
	}
	id, err := store.CreatePartitionView(parent, t.rank, t.attrs)
	if err != nil {
		return err
	}

	children, _ := store.ViewChildren(id)
	partitioned := 0
	tb := tablewriter.NewWriter(cmd.OutOrStdout())
	tb.SetHeader([]string{"View", "Partition", "Size"})
	tb.SetAutoWrapText(false)
	for _, summary := range store.Describe() {
		if !contains(children, collection.ID(summary.ID)) {
			continue
		}
		partitioned += summary.Size
		tb.Append([]string{strconv.Itoa(summary.ID), summary.Tuple, strconv.Itoa(summary.Size)})
	}
	tb.SetFooter([]string{"", "total", strconv.Itoa(partitioned)})
	tb.Render()
	return nil
}

func contains(ids []collection.ID, id collection.ID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
