// skcache fetches scholarly metadata from remote services and keeps the
// results in durable, file backed caches, one JSON file per namespace.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"

	"github.com/miku/scholcache"
	"github.com/miku/scholcache/aminer"
	"github.com/miku/scholcache/config"
	"github.com/miku/scholcache/dateutil"
	"github.com/miku/scholcache/dblp"
	"github.com/miku/scholcache/fetch"
	"github.com/miku/scholcache/kvcache"
	"github.com/miku/scholcache/llm"
	"github.com/miku/scholcache/pages"
	"github.com/miku/scholcache/pproc"
	"github.com/segmentio/encoding/json"
	"github.com/sirupsen/logrus"
)

var docs = strings.TrimLeft(`
# skcache - cached scholarly lookups

Fetches author ids, paper lists and paper details from AMiner, checks names
against DBLP, extracts metadata from landing pages and asks a language model
for keywords. Every answer is kept in a JSON file per namespace under the
cache directory, so repeated runs only fetch what is missing.

Credentials come from a YAML config file (-c) or the environment:

	SCHOLCACHE_AMINER_TOKEN, SCHOLCACHE_LLM_API_KEY, SCHOLCACHE_CACHE_DIR, ...

## list sources and namespaces

$ skcache -l
$ skcache -a

## examples

$ skcache -s aminer-papers -n "Jie Tang" -o "Tsinghua University"
$ skcache -s aminer-batch -n "Jie Tang" -y 2015-2025
$ skcache -s dblp -n "Wei Wang"
$ cat names.txt | skcache -s dblp
$ skcache -s page -k https://doi.org/10.1145/3292500.3330701
$ skcache -g paper_details_map -k 53e9ab9eb7602d97034c5d4b

## snapshots

Namespaces can be exported as JSON lines and merged into another cache,
later lines win. A ".zst" or ".gz" suffix compresses the cache file.

$ skcache -x paper_details_map | zstd -c > details.jsonl.zst
$ zstdcat details.jsonl.zst | skcache -i paper_details_map.json.zst

## flags

`, "\n")

var availableSources = []string{
	"aminer-author",
	"aminer-papers",
	"aminer-paper",
	"aminer-batch",
	"dblp",
	"page",
	"llm-keywords",
}

var (
	configFile  = flag.String("c", "", "path to YAML config file")
	cacheDir    = flag.String("d", "", "cache directory, overrides config")
	source      = flag.String("s", "", "name of the source to query")
	listSources = flag.Bool("l", false, "list available source names")
	showStatus  = flag.Bool("a", false, "show cache directory and namespaces")
	getNS       = flag.String("g", "", "print cached value for key (-k) from this namespace")
	exportNS    = flag.String("x", "", "export namespace as JSON lines to stdout")
	importNS    = flag.String("i", "", "merge JSON lines from stdin into namespace")
	name        = flag.String("n", "", "author name, read from stdin if empty")
	org         = flag.String("o", "", "author organization")
	key         = flag.String("k", "", "paper id or URL")
	years       = flag.String("y", "", "year span to filter papers, e.g. 2015-2025")
	force       = flag.Bool("f", false, "ignore cached values and fetch again")
	verbose     = flag.Bool("v", false, "verbose output")
	showVersion = flag.Bool("version", false, "show version")
)

// parseYears parses "2015-2025" or a single year.
func parseYears(s string) (dateutil.Interval, error) {
	from, to, found := strings.Cut(s, "-")
	if !found {
		to = from
	}
	a, err := strconv.Atoi(strings.TrimSpace(from))
	if err != nil {
		return dateutil.Interval{}, fmt.Errorf("invalid year span %q", s)
	}
	b, err := strconv.Atoi(strings.TrimSpace(to))
	if err != nil {
		return dateutil.Interval{}, fmt.Errorf("invalid year span %q", s)
	}
	iv := dateutil.YearSpan(a, b)
	return iv, iv.Validate()
}

// lines returns the non-empty lines of r.
func lines(r io.Reader) ([]string, error) {
	var result []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			result = append(result, line)
		}
	}
	return result, scanner.Err()
}

func openStore(dir, ns string, log logrus.FieldLogger) (*kvcache.Store, error) {
	return kvcache.Open(kvcache.NamespacePath(dir, ns), kvcache.WithLogger(log))
}

func main() {
	flag.Usage = func() {
		io.WriteString(os.Stderr, docs)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Println(scholcache.Version)
		os.Exit(0)
	}
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stderr)
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatal(err)
	}
	if *cacheDir != "" {
		cfg.CacheDir = *cacheDir
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	switch {
	case *listSources:
		for _, s := range availableSources {
			fmt.Println(s)
		}
	case *showStatus:
		names, err := kvcache.Namespaces(cfg.CacheDir)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("cache: %s\n", cfg.CacheDir)
		for _, ns := range names {
			s, err := openStore(cfg.CacheDir, ns, log)
			if err != nil {
				log.Fatal(err)
			}
			fmt.Printf("%s\t%d\n", ns, s.Len())
		}
	case *getNS != "":
		s, err := openStore(cfg.CacheDir, *getNS, log)
		if err != nil {
			log.Fatal(err)
		}
		v, ok := s.Get(*key)
		if !ok {
			log.Fatalf("%s: no value for %q", *getNS, *key)
		}
		fmt.Println(string(v))
	case *exportNS != "":
		s, err := openStore(cfg.CacheDir, *exportNS, log)
		if err != nil {
			log.Fatal(err)
		}
		if err := s.Export(os.Stdout); err != nil {
			log.Fatal(err)
		}
	case *importNS != "":
		s, err := openStore(cfg.CacheDir, *importNS, log)
		if err != nil {
			log.Fatal(err)
		}
		n, err := s.Import(os.Stdin)
		if err != nil {
			log.Fatal(err)
		}
		log.Infof("merged %d entries into %s, %d keys total", n, s.Path(), s.Len())
	case *source != "":
		if !slices.Contains(availableSources, *source) {
			log.Fatalf("unknown source %q, use -l to list sources", *source)
		}
		if err := run(ctx, cfg, log); err != nil {
			log.Fatal(err)
		}
	default:
		flag.Usage()
		os.Exit(1)
	}
}

// each calls f with v, or with every line of stdin if v is empty, using the
// given number of workers. Results are written as JSON lines in input
// order, strings as is. Failed inputs are logged and skipped.
func each(ctx context.Context, v string, workers int, log logrus.FieldLogger, f func(context.Context, string) (any, error)) error {
	encode := func(result any) ([]byte, error) {
		if s, ok := result.(string); ok {
			return []byte(s + "\n"), nil
		}
		b, err := json.Marshal(result)
		if err != nil {
			return nil, err
		}
		return append(b, '\n'), nil
	}
	if v != "" {
		result, err := f(ctx, v)
		if err != nil {
			return err
		}
		b, err := encode(result)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(b)
		return err
	}
	p := pproc.NewProcessor(func(ctx context.Context, line []byte) ([]byte, error) {
		s := strings.TrimSpace(string(line))
		if s == "" {
			return nil, nil
		}
		result, err := f(ctx, s)
		if err != nil {
			return nil, err
		}
		return encode(result)
	}, pproc.WithWorkers(workers), pproc.WithOrdered(), pproc.WithErrorFunc(func(line []byte, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.WithField("input", string(line)).Warn(err)
		return nil
	}))
	return p.Process(ctx, os.Stdin, os.Stdout)
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	switch *source {
	case "aminer-author", "aminer-papers", "aminer-paper", "aminer-batch":
		if cfg.Aminer.Token == "" {
			return fmt.Errorf("aminer token missing, set %sAMINER_TOKEN", config.EnvPrefix)
		}
		retrier := cfg.Retrier("aminer", fetch.RateLimitBudgeted)
		retrier.Logger = log
		client, err := aminer.New(cfg.CacheDir, cfg.Aminer.Token,
			aminer.WithEndpoint(cfg.Aminer.Endpoint),
			aminer.WithHTTPClient(fetch.NewClient(cfg.Timeout)),
			aminer.WithRetrier(retrier),
			aminer.WithWorkers(cfg.Workers),
			aminer.WithLogger(log))
		if err != nil {
			return err
		}
		switch *source {
		case "aminer-paper":
			return each(ctx, *key, cfg.Workers, log, func(ctx context.Context, id string) (any, error) {
				return client.PaperDetails(ctx, id, *force)
			})
		case "aminer-author":
			return each(ctx, *name, 1, log, func(ctx context.Context, n string) (any, error) {
				id, err := client.AuthorID(ctx, n, *org, *force)
				if err != nil {
					return nil, err
				}
				return fmt.Sprintf("%s\t%s", aminer.AuthorKey(n, *org), id), nil
			})
		case "aminer-papers":
			return each(ctx, *name, 1, log, func(ctx context.Context, n string) (any, error) {
				return client.AuthorPapers(ctx, n, *org, *force)
			})
		default:
			return each(ctx, *name, 1, log, func(ctx context.Context, n string) (any, error) {
				return batch(ctx, client, n, *org)
			})
		}
	case "dblp":
		s, err := openStore(cfg.CacheDir, dblp.Namespace, log)
		if err != nil {
			return err
		}
		mirrors := []string{cfg.DBLP.Endpoint}
		for _, m := range dblp.DefaultMirrors {
			if !slices.Contains(mirrors, m) {
				mirrors = append(mirrors, m)
			}
		}
		client := dblp.New(s, mirrors...)
		client.HTTP = fetch.NewClient(cfg.Timeout)
		client.Logger = log
		client.Retrier.Logger = log
		// DBLP answers with rate limit pages quickly, one request at a time.
		return each(ctx, *name, 1, log, func(ctx context.Context, n string) (any, error) {
			r, err := client.Lookup(ctx, n, *force)
			if err != nil {
				return nil, err
			}
			return fmt.Sprintf("%s\t%d", n, r.Score()), nil
		})
	case "page":
		s, err := openStore(cfg.CacheDir, pages.Namespace, log)
		if err != nil {
			return err
		}
		retrier := cfg.Retrier("page", fetch.RateLimitBudgeted)
		retrier.Logger = log
		f := pages.New(s, retrier)
		f.HTTP = fetch.NewClient(cfg.Timeout)
		f.UserAgent = cfg.UserAgent
		return each(ctx, *key, cfg.Workers, log, func(ctx context.Context, link string) (any, error) {
			return f.Meta(ctx, link, *force)
		})
	case "llm-keywords":
		return keywords(ctx, cfg, log)
	}
	return nil
}

// batch fetches all paper details of an author and optionally reports the
// papers within the year span.
func batch(ctx context.Context, client *aminer.Client, name, org string) (any, error) {
	result, err := client.BatchPaperDetails(ctx, name, org, *force)
	if err != nil {
		return nil, err
	}
	if *years == "" {
		return result, nil
	}
	iv, err := parseYears(*years)
	if err != nil {
		return nil, err
	}
	papers, missing := client.CachedPapers(name, org)
	return map[string]any{
		"batch":   result,
		"papers":  aminer.FilterByYear(papers, iv),
		"missing": missing,
	}, nil
}

// keywords extracts keywords for cached papers of an author, or for titles
// read from stdin.
func keywords(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	if cfg.LLM.APIKey == "" {
		return fmt.Errorf("llm api key missing, set %sLLM_API_KEY", config.EnvPrefix)
	}
	s, err := openStore(cfg.CacheDir, llm.Namespace, log)
	if err != nil {
		return err
	}
	client := llm.New(cfg.LLM.Endpoint, cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.Timeout)
	client.Logger = log
	client.Retrier.Logger = log
	cached := llm.NewCached(client, client.Model, s)
	cached.Force = *force
	var (
		lists [][]string
		done  int
	)
	if *name != "" {
		ac, err := aminer.New(cfg.CacheDir, cfg.Aminer.Token, aminer.WithLogger(log))
		if err != nil {
			return err
		}
		papers, missing := ac.CachedPapers(*name, *org)
		if len(missing) > 0 {
			log.Warnf("%d papers without details, run -s aminer-batch first", len(missing))
		}
		if *years != "" {
			iv, err := parseYears(*years)
			if err != nil {
				return err
			}
			papers = aminer.FilterByYear(papers, iv)
		}
		for _, p := range papers {
			abstract := p.Field("abstract")
			if abstract == "" {
				continue
			}
			kws, err := llm.Keywords(ctx, cached, p.Title(), abstract)
			if err != nil {
				return err
			}
			lists = append(lists, kws)
			done++
		}
	} else {
		titles, err := lines(os.Stdin)
		if err != nil {
			return err
		}
		for _, t := range titles {
			kws, err := llm.Keywords(ctx, cached, t, "")
			if err != nil {
				return err
			}
			lists = append(lists, kws)
			done++
		}
	}
	log.Infof("extracted keywords for %d papers", done)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(llm.Tally(lists...))
}
