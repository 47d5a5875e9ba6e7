// lakectl operates a lake directly on disk: downloads, CSV imports,
// reads, deletes and integrity checks, without going through the API
// server.
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"candlelake/internal/config"
	"candlelake/internal/exchange"
	"candlelake/internal/features"
	"candlelake/internal/ingest"
	"candlelake/internal/lake"
	"candlelake/internal/manifest"
	"candlelake/internal/store"
)

type globalOptions struct {
	Config   string `long:"config" description:"config file path" default:"config.yaml"`
	LogLevel string `long:"log-level" description:"debug, info, warn or error"`
}

var global globalOptions

// env holds everything a command needs, opened lazily so commands like
// "version" never touch the disk.
type env struct {
	cfg      *config.Config
	log      *logrus.Logger
	man      *manifest.Manifest
	writer   *store.Writer
	reader   *store.Reader
	registry *exchange.Registry
	prober   *exchange.Prober
	pipeline *ingest.Pipeline
	ctx      context.Context
	cancel   context.CancelFunc
}

func openEnv() (*env, error) {
	cfg, err := config.Load(global.Config)
	if err != nil {
		return nil, err
	}
	level := cfg.LogLevel
	if global.LogLevel != "" {
		level = global.LogLevel
	}
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl, err := logrus.ParseLevel(level); err == nil {
		log.SetLevel(lvl)
	}

	if err := os.MkdirAll(cfg.DataRoot, 0o755); err != nil {
		return nil, err
	}
	man, err := manifest.Open(cfg.ManifestPath)
	if err != nil {
		return nil, err
	}
	writer, err := store.NewWriter(cfg.DataRoot, man, cfg.Compression, log)
	if err != nil {
		man.Close()
		return nil, err
	}
	registry := exchange.NewRegistry(log)
	prober := exchange.NewProber(log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	return &env{
		cfg:      cfg,
		log:      log,
		man:      man,
		writer:   writer,
		reader:   store.NewReader(cfg.DataRoot, man, log),
		registry: registry,
		prober:   prober,
		pipeline: ingest.New(registry, prober, writer, man, log),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func (e *env) close() {
	e.cancel()
	e.man.Close()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type identityArgs struct {
	Exchange string `long:"exchange" short:"e" required:"true" description:"exchange name"`
	Market   string `long:"market" short:"m" required:"true" description:"market (spot, futures)"`
	Symbol   string `long:"symbol" short:"s" required:"true" description:"symbol"`
}

func (a identityArgs) identity() lake.Identity {
	return lake.Identity{Exchange: a.Exchange, Market: a.Market, Symbol: a.Symbol}.Normalize()
}

// parseTime accepts epoch milliseconds or RFC 3339.
func parseTime(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("%q is neither epoch milliseconds nor RFC 3339", s)
	}
	return t.UnixMilli(), nil
}

type initCommand struct{}

func (c *initCommand) Execute(args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.close()
	e.log.WithFields(logrus.Fields{
		"data_root": e.cfg.DataRoot,
		"manifest":  e.cfg.ManifestPath,
	}).Info("lake initialized")
	return nil
}

type downloadCommand struct {
	identityArgs
	Period      string `long:"period" short:"p" default:"1m" description:"candle period (1m, 5m, 1h, 1d, ...)"`
	DataType    string `long:"data-type" default:"raw" description:"raw, funding or both"`
	Start       string `long:"start" description:"start time, epoch ms or RFC 3339"`
	End         string `long:"end" description:"end time, epoch ms or RFC 3339"`
	FullHistory bool   `long:"full-history" description:"probe the listing date and fetch everything"`
}

func (c *downloadCommand) Execute(args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.close()

	req := ingest.Request{
		Exchange:    c.Exchange,
		Market:      c.Market,
		Symbol:      c.Symbol,
		Period:      c.Period,
		DataType:    c.DataType,
		FullHistory: c.FullHistory,
	}
	if c.Start != "" {
		ms, err := parseTime(c.Start)
		if err != nil {
			return err
		}
		req.Start = &ms
	}
	if c.End != "" {
		ms, err := parseTime(c.End)
		if err != nil {
			return err
		}
		req.End = &ms
	}
	sum, err := e.pipeline.Run(e.ctx, req)
	if err != nil {
		return err
	}
	return printJSON(sum)
}

type symbolsCommand struct {
	Exchange string `long:"exchange" short:"e" required:"true"`
	Market   string `long:"market" short:"m" required:"true"`
	All      bool   `long:"all" description:"include inactive instruments"`
}

func (c *symbolsCommand) Execute(args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.close()
	conn, err := e.registry.Open(c.Exchange, c.Market)
	if err != nil {
		return err
	}
	infos, err := conn.Symbols(e.ctx)
	if err != nil {
		return err
	}
	for _, info := range infos {
		if info.Active || c.All {
			fmt.Println(info.Symbol)
		}
	}
	return nil
}

type importCommand struct {
	identityArgs
	File   string `long:"file" short:"f" required:"true" description:"csv file (.csv, .csv.gz, .csv.zst)"`
	Type   string `long:"type" default:"raw" description:"data type to store under"`
	Period string `long:"period" short:"p" default:"1m"`
	Chunk  int    `long:"chunk" description:"rows per write chunk"`
}

func (c *importCommand) Execute(args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.close()
	im := ingest.NewCSVImporter(e.writer, c.Chunk, e.log)
	sum, err := im.Import(e.ctx, c.File, c.identity(), c.Type, c.Period)
	if err != nil {
		return err
	}
	return printJSON(sum)
}

type readCommand struct {
	identityArgs
	Type    string `long:"type" default:"raw"`
	Period  string `long:"period" short:"p" default:"1m"`
	Start   string `long:"start" description:"start time, epoch ms or RFC 3339"`
	End     string `long:"end" description:"end time, epoch ms or RFC 3339"`
	Columns string `long:"columns" description:"comma-separated projection"`
	Limit   int    `long:"limit" default:"20" description:"max rows to print, 0 for all"`
}

func (c *readCommand) Execute(args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.close()
	start, err := parseTime(c.Start)
	if err != nil {
		return err
	}
	end, err := parseTime(c.End)
	if err != nil {
		return err
	}
	f, err := e.reader.ReadAll(e.ctx, store.Query{
		Identity: c.identity(), Type: c.Type, Period: c.Period,
		Start: start, End: end, Columns: splitComma(c.Columns),
	})
	if err != nil {
		return err
	}
	n := f.Len()
	if c.Limit > 0 && n > c.Limit {
		n = c.Limit
	}
	names := f.ColumnNames()
	sort.Strings(names)
	cw := csv.NewWriter(os.Stdout)
	if err := cw.Write(append([]string{"ts"}, names...)); err != nil {
		return err
	}
	rec := make([]string, 0, len(names)+1)
	for i := 0; i < n; i++ {
		rec = rec[:0]
		rec = append(rec, strconv.FormatInt(f.TS[i], 10))
		for _, name := range names {
			rec = append(rec, cellString(f.Value(i, name)))
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%d of %d rows\n", n, f.Len())
	return nil
}

func cellString(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return fmt.Sprint(v)
	}
}

type deleteCommand struct {
	identityArgs
	Type   string `long:"type" description:"limit to one data type"`
	Period string `long:"period" short:"p" description:"limit to one period"`
	Yes    bool   `long:"yes" short:"y" description:"skip confirmation"`
}

func (c *deleteCommand) Execute(args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.close()
	if !c.Yes {
		fmt.Printf("delete stored data for %s (type=%q period=%q)? [y/N] ", c.identity(), c.Type, c.Period)
		var answer string
		fmt.Scanln(&answer)
		if answer != "y" && answer != "Y" {
			return nil
		}
	}
	id := c.identity()
	n, err := e.writer.Delete(e.ctx, manifest.Filter{
		Exchange: id.Exchange, Market: id.Market, Symbol: id.Symbol,
		Type: c.Type, Period: c.Period,
	})
	if err != nil {
		return err
	}
	fmt.Printf("deleted %d partitions\n", n)
	return nil
}

type verifyCommand struct {
	identityArgs
	Type   string `long:"type" default:"raw"`
	Period string `long:"period" short:"p" default:"1m"`
	Start  string `long:"start"`
	End    string `long:"end"`
}

func (c *verifyCommand) Execute(args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.close()
	start, err := parseTime(c.Start)
	if err != nil {
		return err
	}
	end, err := parseTime(c.End)
	if err != nil {
		return err
	}
	if end == 0 {
		end = time.Now().UTC().UnixMilli()
	}
	rep, err := ingest.VerifyContinuity(e.ctx, e.reader, c.identity(), c.Type, c.Period, start, end)
	if err != nil {
		return err
	}
	return printJSON(rep)
}

type reconcileCommand struct{}

func (c *reconcileCommand) Execute(args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.close()
	rep, err := e.man.Reconcile(e.ctx, e.cfg.DataRoot)
	if err != nil {
		return err
	}
	return printJSON(rep)
}

type uploadFeatureCommand struct {
	identityArgs
	File    string `long:"file" short:"f" required:"true"`
	Set     string `long:"set" required:"true" description:"feature set name"`
	Version string `long:"version" short:"v" required:"true"`
}

func (c *uploadFeatureCommand) Execute(args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.close()
	fd, err := os.Open(c.File)
	if err != nil {
		return err
	}
	defer fd.Close()
	st := features.NewStore(e.cfg.DataRoot, e.man, e.log)
	entry, err := st.Upload(e.ctx, fd, c.File, c.Set, c.Version, c.identity())
	if err != nil {
		return err
	}
	fmt.Printf("uploaded %s (id=%d, checksum=%s)\n", entry.Path, entry.ID, entry.Checksum)
	return nil
}

func splitComma(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func main() {
	parser := flags.NewParser(&global, flags.Default)
	parser.AddCommand("init", "initialize the lake", "create the data root and the manifest database", &initCommand{})
	parser.AddCommand("download-history", "download history", "download candles or funding from a venue", &downloadCommand{})
	parser.AddCommand("download-symbols", "list venue symbols", "print the tradable instruments of one exchange market", &symbolsCommand{})
	parser.AddCommand("ingest", "ingest a csv file", "stream a local csv file into day partitions", &importCommand{})
	parser.AddCommand("read", "read stored data", "print rows of a stored range", &readCommand{})
	parser.AddCommand("delete", "delete stored data", "remove partitions and catalog rows for a series", &deleteCommand{})
	parser.AddCommand("verify", "verify continuity", "report gaps and overlaps in a stored series", &verifyCommand{})
	parser.AddCommand("reconcile", "reconcile catalog and disk", "report orphan files and dead catalog rows", &reconcileCommand{})
	parser.AddCommand("upload-feature", "upload a feature file", "store a derived dataset under a set and version", &uploadFeatureCommand{})
	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}
}
