package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/proxytun/internal/config"
	"github.com/die-net/proxytun/internal/conn"
	"github.com/die-net/proxytun/internal/dialer"
	"github.com/die-net/proxytun/internal/logger"
	"github.com/die-net/proxytun/internal/proxy"
	"github.com/die-net/proxytun/internal/session"
	"github.com/die-net/proxytun/internal/socks5"
	"github.com/die-net/proxytun/internal/upstream"
	"github.com/die-net/proxytun/internal/validator"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type options struct {
	proxies     *string
	defaultType *string
	configPath  *string
	checkTarget *string
	noValidate  *bool
	output      *string
	report      *string

	connectTimeout   *time.Duration
	handshakeTimeout *time.Duration
	checkTimeout     *time.Duration
	concurrency      *int

	httpListen  *string
	socksListen *string
	socksAuth   *string
	upstream    *string

	debugListen        *string
	httpIdleTimeout    *time.Duration
	negotiationTimeout *time.Duration
	tcpKeepAlive       *string

	logLevel *string
	verbose  *bool
}

func defineFlags(fs *pflag.FlagSet) *options {
	return &options{
		proxies:     fs.StringP("proxies", "p", "", "Proxy list file: one [scheme://][user:pass@]host:port or host:port[:user[:pass]] per line"),
		defaultType: fs.String("default-type", "", "Protocol for descriptors without a scheme: socks4|socks5|http|https. Empty detects it."),
		configPath:  fs.String("config", "", "INI file with [proxy], [check] and [log] sections. Flags given on the command line win."),
		checkTarget: fs.String("check-target", config.DefaultCheckTarget, "Destination host:port tunnelled to when validating proxies"),
		noValidate:  fs.Bool("no-validate", false, "Use the proxy list as loaded, without validating it"),
		output:      fs.StringP("output", "o", "", "Write the working proxies to this file"),
		report:      fs.String("report", "", "Write a YAML report of every validation outcome to this file"),

		connectTimeout:   fs.Duration("connect-timeout", config.DefaultConnectTimeout, "Timeout for TCP connect to a proxy"),
		handshakeTimeout: fs.Duration("handshake-timeout", config.DefaultHandshakeTimeout, "Timeout for each step of a proxy handshake"),
		checkTimeout:     fs.Duration("check-timeout", config.DefaultCheckTimeout, "Timeout for connect and each handshake step while validating"),
		concurrency:      fs.IntP("concurrency", "c", config.DefaultConcurrency, "Proxies validated in parallel (1-128)"),

		httpListen:  fs.String("http-listen", "", "HTTP proxy listen address (e.g. 127.0.0.1:8080). Empty disables."),
		socksListen: fs.String("socks5-listen", "", "SOCKS5 proxy listen address (e.g. 127.0.0.1:1080). Empty disables."),
		socksAuth:   fs.String("socks5-auth", "", "Require SOCKS5 clients to log in with user:pass. Empty disables."),
		upstream:    fs.String("upstream", "", "Serve through this single upstream instead of a proxy list: direct:// | socks4://[user@]host:port | socks5://[user:pass@]host:port | http(s)://[user:pass@]host:port"),

		debugListen:        fs.String("debug-listen", "", "Debug HTTP listen address exposing /debug/pprof (e.g. 127.0.0.1:6060). Empty disables."),
		httpIdleTimeout:    fs.Duration("http-idle-timeout", 4*time.Minute, "Timeout for idle HTTP proxy connections"),
		negotiationTimeout: fs.Duration("negotiation-timeout", 10*time.Second, "Timeout for client protocol negotiation on the listeners"),
		tcpKeepAlive:       fs.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt"),

		logLevel: fs.String("log-level", "info", "Log level: debug|info|warn|error"),
		verbose:  fs.BoolP("verbose", "v", false, "Log every validation attempt (implies --log-level=debug)"),
	}
}

// fileConfig loads the optional INI file and overlays the flags that were
// set explicitly.
func fileConfig(fs *pflag.FlagSet, o *options) (config.File, error) {
	cfg := config.Default()
	if *o.configPath != "" {
		if err := config.LoadIni(&cfg, *o.configPath); err != nil {
			return cfg, err
		}
	}

	if fs.Changed("connect-timeout") {
		cfg.ConnectTimeoutMS = int(o.connectTimeout.Milliseconds())
	}
	if fs.Changed("handshake-timeout") {
		cfg.HandshakeTimeoutMS = int(o.handshakeTimeout.Milliseconds())
	}
	if fs.Changed("check-timeout") {
		cfg.TimeoutMS = int(o.checkTimeout.Milliseconds())
	}
	if fs.Changed("concurrency") {
		cfg.Concurrency = *o.concurrency
	}
	if fs.Changed("check-target") {
		cfg.Target = *o.checkTarget
	}
	if fs.Changed("default-type") {
		cfg.DefaultType = *o.defaultType
	}
	if fs.Changed("log-level") {
		cfg.Level = *o.logLevel
	}
	if *o.verbose {
		cfg.Level = "debug"
	}

	if _, ok := upstream.ParseType(cfg.DefaultType); !ok {
		return cfg, fmt.Errorf("invalid --default-type %q", cfg.DefaultType)
	}
	return cfg, nil
}

func run() error {
	fs := pflag.CommandLine
	o := defineFlags(fs)
	fs.SortFlags = false
	pflag.Parse()

	cfg, err := fileConfig(fs, o)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Level, os.Stderr); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	ka, err := parseTCPKeepAlive(*o.tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}
	socksAuth, err := parseAuth(*o.socksAuth)
	if err != nil {
		return fmt.Errorf("invalid --socks5-auth: %w", err)
	}

	serving := *o.httpListen != "" || *o.socksListen != ""
	switch {
	case *o.proxies != "" && *o.upstream != "":
		return errors.New("--proxies and --upstream are mutually exclusive")
	case *o.proxies == "" && *o.upstream == "":
		return errors.New("nothing to do (set --proxies or --upstream)")
	case *o.upstream != "" && !serving:
		return errors.New("--upstream needs a listener (set --http-listen or --socks5-listen)")
	}

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	knobs := cfg.Knobs()
	var d dialer.Dialer
	if *o.upstream != "" {
		d, err = dialer.New(dialer.Config{
			ConnectTimeout:   knobs.Connect(),
			HandshakeTimeout: knobs.Handshake(),
			KeepAlive:        ka,
		}, *o.upstream)
		if err != nil {
			return fmt.Errorf("invalid --upstream: %w", err)
		}
	} else {
		sess := session.New(session.Options{
			Knobs:       knobs,
			CheckTarget: cfg.Target,
			Verbose:     *o.verbose,
			KeepAlive:   ka,
		})
		defer sess.Close()

		if err := preparePool(ctx, sess, o); err != nil {
			return err
		}
		if !serving {
			return nil
		}
		if sess.Len() == 0 {
			return errors.New("no working proxies to serve through")
		}
		d = sess.Dialer()
	}

	pcfg := proxy.Config{
		Dialer:             d,
		NegotiationTimeout: *o.negotiationTimeout,
		HTTPIdleTimeout:    *o.httpIdleTimeout,
		KeepAlive:          ka,
		SOCKS5Auth:         socksAuth,
	}

	if *o.debugListen != "" {
		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: ka}
		debugLn, err := lc.Listen(ctx, "tcp", *o.debugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		log.Info().Str("addr", *o.debugListen).Msg("debug listening")
	}

	if *o.httpListen != "" {
		ln, err := conn.ListenTCP(ctx, "tcp", *o.httpListen, ka)
		if err != nil {
			return fmt.Errorf("http listen: %w", err)
		}
		srv := proxy.NewHTTPProxyServer(ctx, pcfg)
		context.AfterFunc(ctx, func() {
			_ = srv.Close()
			_ = ln.Close()
		})

		g.Go(func() error {
			if err := srv.Serve(ln); err != nil {
				return fmt.Errorf("http proxy serve: %w", err)
			}
			return nil
		})
		log.Info().Str("addr", *o.httpListen).Msg("http proxy listening")
	}

	if *o.socksListen != "" {
		ln, err := conn.ListenTCP(ctx, "tcp", *o.socksListen, ka)
		if err != nil {
			return fmt.Errorf("socks5 listen: %w", err)
		}
		s5 := proxy.NewSOCKS5Server(ctx, pcfg)
		context.AfterFunc(ctx, func() {
			_ = ln.Close()
		})

		g.Go(func() error {
			if err := s5.Serve(ln); err != nil {
				return fmt.Errorf("socks5 serve: %w", err)
			}
			return nil
		})
		log.Info().Str("addr", *o.socksListen).Msg("socks5 proxy listening")
	}

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	log.Info().Msg("shutting down")
	return err
}

// preparePool loads the proxy list, validates it unless told not to, and
// writes the requested output files.
func preparePool(ctx context.Context, sess *session.Session, o *options) error {
	n, err := sess.Load(ctx, *o.proxies)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no usable proxies in %s", *o.proxies)
	}

	if !*o.noValidate {
		res, err := sess.Validate(ctx)
		if err != nil && !errors.Is(err, validator.ErrEmptyRegistry) {
			return fmt.Errorf("validate: %w", err)
		}
		fmt.Fprintf(os.Stderr, "total %d, removed %d, working %d (socks5 %d, socks4 %d, http %d)\n",
			res.Total, res.Removed, res.Working, res.SOCKS5, res.SOCKS4, res.HTTP)

		if *o.report != "" {
			if err := sess.SaveReport(*o.report, res); err != nil {
				return err
			}
		}
	}

	if *o.output != "" {
		if err := sess.Save(*o.output); err != nil {
			return err
		}
		log.Info().Str("path", *o.output).Int("proxies", sess.Len()).Msg("wrote proxy list")
	}
	return nil
}

// parseAuth splits "user:pass". The password may contain colons.
func parseAuth(s string) (socks5.Auth, error) {
	if s == "" {
		return socks5.Auth{}, nil
	}
	user, pass, ok := strings.Cut(s, ":")
	if !ok || user == "" || pass == "" {
		return socks5.Auth{}, errors.New("expected user:pass")
	}
	if len(user) > socks5.MaxFieldLength || len(pass) > socks5.MaxFieldLength {
		return socks5.Auth{}, socks5.ErrFieldLength
	}
	return socks5.Auth{Username: user, Password: pass}, nil
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "":
		return net.KeepAliveConfig{}, errors.New("empty")
	case "on":
		return net.KeepAliveConfig{Enable: true}, nil
	case "off":
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveInt(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveInt(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     time.Duration(keepIdle) * time.Second,
		Interval: time.Duration(keepIntvl) * time.Second,
		Count:    keepCnt,
	}, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}
