package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-faster/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/alapierre/go-atcud/atcud"
	"github.com/alapierre/go-atcud/atcud/config"
	"github.com/alapierre/go-atcud/atcud/lock"
	"github.com/alapierre/go-atcud/atcud/metrics"
	"github.com/alapierre/go-atcud/atcud/nif"
	"github.com/alapierre/go-atcud/atcud/sequence"
	"github.com/alapierre/go-atcud/atcud/series"
	"github.com/alapierre/go-atcud/png"
)

const usage = `usage: atcud [--config file] [--metrics-file file] <command> [args]

commands:
  nif <value>...                      check Portuguese tax identifiers
  create-series --entity --prefix     add a series to the registry
  list [--entity]                     list registered series
  register [--force] <series-id>...   communicate series to the authority
  lookup <series-id>                  fetch the validation code of a registered series
  finalize --reason <series-id>       report the last number and retire a series
  generate [--temp] <series-id>       issue the next ATCUD code
  qr --payload <text> --out <file>    render a QR payload as PNG
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		logrus.WithError(err).Error("atcud failed")
		os.Exit(1)
	}
}

// app is the wiring shared by commands that touch the registry.
type app struct {
	cfg       *config.Config
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	store     series.Store
	locker    lock.Locker
	allocator *sequence.Allocator
	closers   []func()
}

func run(ctx context.Context, args []string) error {
	global := pflag.NewFlagSet("atcud", pflag.ContinueOnError)
	global.SetInterspersed(false)
	global.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	configPath := global.String("config", "", "config file (yaml, toml or json)")
	metricsFile := global.String("metrics-file", "", "write metrics in text format to this file on exit")
	if err := global.Parse(args); err != nil {
		return err
	}
	if global.NArg() == 0 {
		global.Usage()
		return errors.New("missing command")
	}
	cmd, rest := global.Arg(0), global.Args()[1:]

	if cmd == "nif" {
		return cmdNIF(rest)
	}
	if cmd == "qr" {
		return cmdQR(rest)
	}

	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.ConfigureLogging(); err != nil {
		return err
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()
	if *metricsFile != "" {
		defer func() {
			if err := prometheus.WriteToTextfile(*metricsFile, a.registry); err != nil {
				logrus.WithError(err).Warn("cannot write metrics file")
			}
		}()
	}

	switch cmd {
	case "create-series":
		return a.createSeries(ctx, rest)
	case "list":
		return a.list(ctx, rest)
	case "register":
		return a.register(ctx, rest)
	case "lookup":
		return a.lookup(ctx, rest)
	case "finalize":
		return a.finalize(ctx, rest)
	case "generate":
		return a.generate(ctx, rest)
	}
	global.Usage()
	return errors.Errorf("unknown command %q", cmd)
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, registry: prometheus.NewRegistry()}
	a.metrics = metrics.New(a.registry)

	store, closeStore, err := cfg.OpenStore(ctx)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, closeStore)

	locker, closeLock, err := cfg.Locker(ctx)
	if err != nil {
		a.close()
		return nil, err
	}
	a.locker = locker
	a.closers = append(a.closers, closeLock)

	a.allocator = sequence.NewAllocator(store, locker, cfg.AllocatorOptions(a.metrics)...)
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) client() (*atcud.Client, error) {
	cc, err := a.cfg.ClientConfig(a.store)
	if err != nil {
		return nil, err
	}
	return atcud.NewClient(cc, a.cfg.ClientOptions(a.metrics, a.locker)...)
}

func cmdNIF(args []string) error {
	if len(args) == 0 {
		return errors.New("nif: value required")
	}
	invalid := 0
	for _, v := range args {
		ok := nif.Valid(v)
		if !ok {
			invalid++
		}
		fmt.Printf("%s\t%t\n", v, ok)
	}
	if invalid > 0 {
		return errors.Errorf("%d invalid identifier(s)", invalid)
	}
	return nil
}

func cmdQR(args []string) error {
	fs := pflag.NewFlagSet("qr", pflag.ContinueOnError)
	payload := fs.String("payload", "", "QR payload text")
	out := fs.String("out", "atcud-qr.png", "output PNG file")
	size := fs.Int("size", png.DefaultSize, "image size in pixels")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *payload == "" {
		return errors.New("qr: --payload required")
	}
	return png.WriteFile(*payload, *size, *out)
}

func (a *app) createSeries(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("create-series", pflag.ContinueOnError)
	id := fs.String("id", "", "series id (generated when empty)")
	entity := fs.String("entity", "", "legal entity identifier")
	prefix := fs.String("prefix", "", "series prefix, e.g. FT2024AB")
	docType := fs.String("doc-type", "", "document type (defaults to the prefix code)")
	seriesType := fs.String("series-type", string(series.TypeNormal), "N normal, F training, R recovery")
	start := fs.String("start", "", "expected start date YYYY-MM-DD (today when empty)")
	first := fs.Uint64("first", 1, "first sequence number")
	if err := fs.Parse(args); err != nil {
		return err
	}

	p := series.Params{
		ID:          *id,
		LegalEntity: *entity,
		Prefix:      strings.ToUpper(*prefix),
		Type:        series.Type(strings.ToUpper(*seriesType)),
		FirstNumber: *first,
	}
	if *docType == "" {
		if parsed, err := series.ParsePrefix(p.Prefix); err == nil {
			*docType = parsed.Code
		}
	}
	dt, err := series.ParseDocumentType(*docType)
	if err != nil {
		return err
	}
	p.DocumentType = dt
	if *start != "" {
		if p.StartDate, err = time.Parse(time.DateOnly, *start); err != nil {
			return errors.Wrap(err, "start")
		}
	}

	s, err := series.New(p)
	if err != nil {
		return err
	}
	if err := a.store.Create(ctx, s); err != nil {
		return err
	}
	fmt.Println(s.ID)
	return nil
}

func (a *app) list(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("list", pflag.ContinueOnError)
	entity := fs.String("entity", "", "only series of this legal entity")
	if err := fs.Parse(args); err != nil {
		return err
	}
	all, err := a.store.List(ctx, *entity)
	if err != nil {
		return err
	}
	for _, s := range all {
		fmt.Printf("%s\t%s\t%s\t%s\tnext=%d\tcode=%s\t%s\n",
			s.ID, s.LegalEntity, s.Prefix, s.DocumentType, s.CurrentSequence, s.ValidationCode, s.Status)
	}
	return nil
}

func parseRegister(name string, args []string) ([]string, atcud.RegisterOptions, error) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	username := fs.String("username", "", "authority username, overrides configured credentials")
	password := fs.String("password", "", "authority password")
	force := fs.Bool("force", false, "replace a differing validation code on file")
	if err := fs.Parse(args); err != nil {
		return nil, atcud.RegisterOptions{}, err
	}
	opts := atcud.RegisterOptions{Force: *force}
	if *username != "" || *password != "" {
		opts.Credentials = &atcud.Credentials{Username: *username, Password: *password}
	}
	return fs.Args(), opts, nil
}

func (a *app) register(ctx context.Context, args []string) error {
	ids, opts, err := parseRegister("register", args)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return errors.New("register: series id required")
	}
	c, err := a.client()
	if err != nil {
		return err
	}

	items := c.RegisterBatch(ctx, ids, opts)
	failed := 0
	for _, it := range items {
		if it.Err != nil {
			failed++
			fmt.Printf("%s\tFAILED\t%v\n", it.SeriesID, it.Err)
			continue
		}
		fmt.Printf("%s\t%s\t%s\n", it.SeriesID, it.Outcome.State, it.Outcome.ValidationCode)
	}
	if failed > 0 {
		return errors.Errorf("%d of %d registrations failed", failed, len(items))
	}
	return nil
}

func (a *app) lookup(ctx context.Context, args []string) error {
	ids, opts, err := parseRegister("lookup", args)
	if err != nil {
		return err
	}
	if len(ids) != 1 {
		return errors.New("lookup: exactly one series id required")
	}
	c, err := a.client()
	if err != nil {
		return err
	}
	info, err := c.Lookup(ctx, ids[0], opts)
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%s\t%s\t%s\n", info.Series, info.DocumentType, info.ValidationCode, info.Status)
	return nil
}

func (a *app) finalize(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("finalize", pflag.ContinueOnError)
	reason := fs.String("reason", "", "justification sent to the authority")
	username := fs.String("username", "", "authority username, overrides configured credentials")
	password := fs.String("password", "", "authority password")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("finalize: exactly one series id required")
	}
	var opts atcud.RegisterOptions
	if *username != "" || *password != "" {
		opts.Credentials = &atcud.Credentials{Username: *username, Password: *password}
	}
	c, err := a.client()
	if err != nil {
		return err
	}
	return c.Finalize(ctx, fs.Arg(0), *reason, opts)
}

func (a *app) generate(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("generate", pflag.ContinueOnError)
	temp := fs.Bool("temp", false, "issue a TEMP code when the series is not communicated (drafts only)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("generate: exactly one series id required")
	}

	g := atcud.NewGenerator(a.store, a.allocator, atcud.WithGeneratorMetrics(a.metrics))
	var opts []atcud.GenerateOption
	if *temp {
		opts = append(opts, atcud.AllowTemporary())
	}
	res, err := g.Generate(ctx, fs.Arg(0), opts...)
	if err != nil {
		return err
	}
	if !res.Compliant() {
		logrus.WithField("code", res.Code).Warn("temporary code, not valid on fiscal documents")
	}
	fmt.Println(res.Code)
	return nil
}
