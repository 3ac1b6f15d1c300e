package coremain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/pmkol/doh-racer/constant"
	"github.com/pmkol/doh-racer/mlog"
	"github.com/pmkol/doh-racer/pkg/bundled_upstream"
	"github.com/pmkol/doh-racer/pkg/dnsutils"
	"github.com/pmkol/doh-racer/pkg/query_context"
	"github.com/pmkol/doh-racer/pkg/upstream"
)

type serverFlags struct {
	c         string
	dir       string
	cpu       int
	asService bool
}

var rootCmd = &cobra.Command{
	Use:   "doh-racer",
	Short: "A DNS-over-HTTPS proxy that races multiple upstream resolvers.",
}

func init() {
	sf := new(serverFlags)
	startCmd := &cobra.Command{
		Use:   "start [-c config_file] [-d working_dir]",
		Short: "Start the proxy.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sf.asService {
				svc, err := service.New(&serverService{f: sf}, svcCfg)
				if err != nil {
					return fmt.Errorf("failed to init service, %w", err)
				}
				return svc.Run()
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return StartServer(ctx, sf)
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	rootCmd.AddCommand(startCmd)
	fs := startCmd.Flags()
	fs.StringVarP(&sf.c, "config", "c", "", "config file")
	fs.StringVarP(&sf.dir, "dir", "d", "", "working dir")
	fs.IntVar(&sf.cpu, "cpu", 0, "set runtime.GOMAXPROCS")
	fs.BoolVar(&sf.asService, "as-service", false, "start as a service")
	fs.MarkHidden("as-service")

	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage doh-racer as a system service.",
	}
	serviceCmd.PersistentPreRunE = initService
	serviceCmd.AddCommand(
		newSvcInstallCmd(),
		newSvcUninstallCmd(),
		newSvcStartCmd(),
		newSvcStopCmd(),
		newSvcRestartCmd(),
		newSvcStatusCmd(),
	)
	rootCmd.AddCommand(serviceCmd)

	rootCmd.AddCommand(newProbeCmd(), newGenConfigCmd(), newVersionCmd())
}

func AddSubCmd(c *cobra.Command) {
	rootCmd.AddCommand(c)
}

func Run() error {
	return rootCmd.Execute()
}

func StartServer(ctx context.Context, sf *serverFlags) error {
	if sf.cpu > 0 {
		runtime.GOMAXPROCS(sf.cpu)
	}

	if len(sf.dir) > 0 {
		err := os.Chdir(sf.dir)
		if err != nil {
			return fmt.Errorf("failed to change the current working directory, %w", err)
		}
		mlog.L().Info("working directory changed", zap.String("path", sf.dir))
	}

	cfg, fileUsed, err := loadConfig(sf.c)
	if err != nil {
		return fmt.Errorf("fail to load config, %w", err)
	}
	mlog.L().Info("main config loaded", zap.String("file", fileUsed))

	if err := mergeInclude(cfg, 0, []string{fileUsed}); err != nil {
		return fmt.Errorf("failed to load sub config file, %w", err)
	}

	if err := RunApp(ctx, cfg); err != nil {
		return fmt.Errorf("doh-racer exited, %w", err)
	}
	return nil
}

// loadConfig load a config from a file. If filePath is empty, it will
// automatically search and load a file which name start with "config".
func loadConfig(filePath string) (*Config, string, error) {
	v := viper.New()

	if len(filePath) > 0 {
		v.SetConfigFile(filePath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, "", fmt.Errorf("failed to read config: %w", err)
	}

	decoderOpt := func(cfg *mapstructure.DecoderConfig) {
		cfg.ErrorUnused = true
		cfg.TagName = "yaml"
		cfg.WeaklyTypedInput = true
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg, decoderOpt); err != nil {
		return nil, "", fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, v.ConfigFileUsed(), nil
}

// mergeInclude prepends upstreams and servers of included files to cfg.
// Redirects of cfg win over included ones.
func mergeInclude(cfg *Config, depth int, paths []string) error {
	depth++
	if depth > 8 {
		return fmt.Errorf("maximum include depth reached, include path is %s", strings.Join(paths, " -> "))
	}

	includedCfg := new(Config)
	redirects := make(map[string]string)
	for _, subCfgFile := range cfg.Include {
		subPaths := make([]string, 0, len(paths)+1)
		subPaths = append(append(subPaths, paths...), subCfgFile)
		mlog.L().Info("reading sub config", zap.String("file", subCfgFile))
		subCfg, _, err := loadConfig(subCfgFile)
		if err != nil {
			return fmt.Errorf("failed to load sub config, %w", err)
		}
		if err := mergeInclude(subCfg, depth, subPaths); err != nil {
			return err
		}

		includedCfg.Upstreams = append(includedCfg.Upstreams, subCfg.Upstreams...)
		includedCfg.Servers = append(includedCfg.Servers, subCfg.Servers...)
		for k, v := range subCfg.Redirects {
			redirects[k] = v
		}
	}

	cfg.Upstreams = append(includedCfg.Upstreams, cfg.Upstreams...)
	cfg.Servers = append(includedCfg.Servers, cfg.Servers...)
	for k, v := range cfg.Redirects {
		redirects[k] = v
	}
	if len(redirects) > 0 {
		cfg.Redirects = redirects
	}
	return nil
}

type probeFlags struct {
	c       string
	qtype   string
	timeout time.Duration
}

func newProbeCmd() *cobra.Command {
	pf := new(probeFlags)
	c := &cobra.Command{
		Use:   "probe [-c config_file] [-t type] domain",
		Short: "Race one query against the upstreams and print the winner.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return probe(cmd.Context(), cmd.OutOrStdout(), pf, args[0])
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	fs := c.Flags()
	fs.StringVarP(&pf.c, "config", "c", "", "config file, the default upstreams are used if empty")
	fs.StringVarP(&pf.qtype, "type", "t", "A", "query type")
	fs.DurationVar(&pf.timeout, "timeout", 2500*time.Millisecond, "timeout of each upstream")
	return c
}

func probe(ctx context.Context, w io.Writer, pf *probeFlags, domain string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	upsCfg := DefaultUpstreams
	if len(pf.c) > 0 {
		cfg, _, err := loadConfig(pf.c)
		if err != nil {
			return err
		}
		if err := mergeInclude(cfg, 0, []string{pf.c}); err != nil {
			return err
		}
		if len(cfg.Upstreams) > 0 {
			upsCfg = cfg.Upstreams
		}
	}

	pool, err := upstream.NewPool(upsCfg, upstream.Opts{})
	if err != nil {
		return err
	}
	defer pool.Close()

	q, err := dnsutils.NewProbeQuery(domain, pf.qtype)
	if err != nil {
		return err
	}
	qCtx, err := query_context.New(q, query_context.RawBody, nil)
	if err != nil {
		return err
	}

	out, err := bundled_upstream.Race(ctx, qCtx, pool.Sample(pool.Len()), bundled_upstream.Opts{Timeout: pf.timeout})
	if err != nil {
		var afe *bundled_upstream.AllFailedError
		if errors.As(err, &afe) {
			for _, f := range afe.Failures {
				fmt.Fprintf(w, "%-12s %v\n", f.Upstream, f.Err)
			}
		}
		return err
	}

	rcode, answers, err := dnsutils.DescribeResponse(out.Response.Body)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "winner:  %s (%s)\n", out.From.Name(), out.From.Address())
	fmt.Fprintf(w, "latency: %s\n", out.Latency.Round(time.Millisecond))
	fmt.Fprintf(w, "rcode:   %s\n", rcode)
	for _, a := range answers {
		fmt.Fprintln(w, a)
	}
	return nil
}

func newGenConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gen-config",
		Short: "Print a config file with all default values.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeDefaultConfig(cmd.OutOrStdout())
		},
	}
}

func writeDefaultConfig(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(DefaultConfig()); err != nil {
		return err
	}
	return enc.Close()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version.",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), constant.Version)
		},
	}
}
