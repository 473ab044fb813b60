package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/oauth2"
	"gopkg.in/yaml.v3"

	"oidcgw/server"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("load .env: %v", err)
	}

	configPath := flag.String("config", os.Getenv("OIDCGW_CONFIG"), "Path to YAML config")
	configCmd := flag.String("config-cmd", "", "Config command: 'init' or 'validate'")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "info", "Alias for -log-level")
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if *configCmd != "" {
		configFile := *configPath
		if configFile == "" {
			configFile = "./config.yaml"
		}

		switch *configCmd {
		case "init":
			if err := runConfigInit(configFile, logger); err != nil {
				log.Fatalf("config init failed: %v", err)
			}
			logger.Info("configuration initialized successfully", "path", configFile)
			return
		case "validate":
			if err := runConfigValidate(configFile, logger); err != nil {
				log.Fatalf("config validation failed: %v", err)
			}
			logger.Info("configuration is valid", "path", configFile)
			return
		default:
			log.Fatalf("unknown config command %q. Use 'init' or 'validate'", *configCmd)
		}
	}

	args := flag.Args()
	command := ""
	if len(args) > 0 && args[0] == "connect" {
		command = "connect"
		args = args[1:]
	}

	configFile := *configPath
	if configFile == "" && command == "" && len(args) > 0 {
		configFile = args[0]
	}
	if configFile == "" {
		configFile = "./config.yaml"
	}

	cfg, err := loadConfig(configFile, logger)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if command == "connect" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		provider, err := server.Discover(ctx, cfg, logger)
		if err != nil {
			logger.Error("provider discovery failed", "authority", cfg.OIDC.Authority, "error", err)
			os.Exit(1)
		}
		if err := runConnect(ctx, logger, provider, nil); err != nil {
			logger.Error("provider connectivity failed", "authority", cfg.OIDC.Authority, "error", err)
			os.Exit(1)
		}
		logger.Info("provider connectivity succeeded", "authority", cfg.OIDC.Authority)
		return
	}

	checkCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	validateStartupURLs(checkCtx, cfg, logger)
	cancel()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("init app: %v", err)
	}
	defer application.Close()

	if s, ok := application.Sessions.(*server.ServerStore); ok {
		if mem, ok := s.Backend().(*server.MemoryBackend); ok {
			go mem.RunJanitor(ctx, time.Minute)
		}
	}

	handler := application.Routes()

	var shutdownFns []func(context.Context) error

	if len(cfg.Server.TLS.Domains) == 0 {
		srv := &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      60 * time.Second,
		}
		shutdownFns = append(shutdownFns, srv.Shutdown)
		logger.Info("server listening", "mode", "http", "addr", cfg.Server.ListenAddr, "oidc", cfg.OIDC.Enabled)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "error", err)
				stop()
			}
		}()
	} else {
		m := &autocert.Manager{
			Cache:      autocert.DirCache(cfg.Server.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
			Email:      cfg.Server.TLS.Email,
		}
		tlsCfg := &tls.Config{
			GetCertificate: m.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}

		httpRedirect := &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}
		shutdownFns = append(shutdownFns, httpRedirect.Shutdown)
		go func() {
			if err := httpRedirect.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("http redirect error", "error", err)
			}
		}()

		httpsSrv := &http.Server{
			Addr:              cfg.Server.HTTPSListenAddr,
			Handler:           handler,
			TLSConfig:         tlsCfg,
			ReadHeaderTimeout: 10 * time.Second,
		}
		shutdownFns = append(shutdownFns, httpsSrv.Shutdown)
		logger.Info("server listening", "mode", "https", "addr", cfg.Server.HTTPSListenAddr, "oidc", cfg.OIDC.Enabled)
		go func() {
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Error("https server error", "error", err)
				stop()
			}
		}()
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, fn := range shutdownFns {
		_ = fn(shutdownCtx)
	}
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

// runConnect follows the authorization redirect chain up to the provider's
// login page to prove the client registration is accepted.
func runConnect(ctx context.Context, logger *slog.Logger, provider server.IdentityProvider, httpClient *http.Client) error {
	if provider == nil {
		return errors.New("provider required")
	}

	authURL, err := provider.AuthCodeURL(ctx, oauth2.GenerateVerifier(), oauth2.GenerateVerifier(), oauth2.GenerateVerifier())
	if err != nil {
		return fmt.Errorf("build authorize URL: %w", err)
	}
	logger.Info("connect.start", "auth_url", authURL)
	logger.Info("connect.instructions", "message", "Open auth_url in a browser to perform interactive login if needed", "auth_url", authURL)

	client := httpClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	originalRedirect := client.CheckRedirect
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		logger.Info("connect.redirect", "step", len(via)+1, "url", req.URL.String())
		if len(via) >= 10 {
			return fmt.Errorf("too many redirects (%d)", len(via))
		}
		if originalRedirect != nil {
			return originalRedirect(req, via)
		}
		return nil
	}
	defer func() { client.CheckRedirect = originalRedirect }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return fmt.Errorf("create authorize request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("call authorize endpoint: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	logger.Info("connect.result", "status", resp.StatusCode, "effective_url", resp.Request.URL.String())

	switch {
	case resp.StatusCode >= 400:
		return fmt.Errorf("provider returned %s for %s", resp.Status, resp.Request.URL.String())
	case resp.StatusCode >= 300:
		return fmt.Errorf("unexpected additional redirect (status %d)", resp.StatusCode)
	}
	if resp.Request.URL.Query().Get("error") != "" {
		return fmt.Errorf("provider rejected authorization request: %s", resp.Request.URL.Query().Get("error"))
	}

	logger.Info("connect.success", "message", "Reached provider login endpoint")
	return nil
}

func loadConfig(path string, logger *slog.Logger) (server.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return server.Config{}, fmt.Errorf("config file not found at %s. Run with -config-cmd=init to create it", path)
		}
		return server.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}

func runConfigInit(path string, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	_, err := runSetup(bufio.NewReader(os.Stdin), path, logger)
	return err
}

func runConfigValidate(path string, logger *slog.Logger) error {
	cfg, err := server.LoadConfig(path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if cfg.OIDC.Enabled {
		if _, err := server.Discover(ctx, cfg, logger); err != nil {
			return fmt.Errorf("provider discovery: %w", err)
		}
		logger.Info("provider discovery succeeded", "authority", cfg.OIDC.Authority)
	}

	for i, route := range cfg.Proxy.Routes {
		if err := validateURL(ctx, route.Target); err != nil {
			logger.Error("proxy backend URL validation failed", "index", i, "prefix", route.PathPrefix, "target", route.Target, "error", err)
		} else {
			logger.Info("proxy backend URL is accessible", "prefix", route.PathPrefix, "target", route.Target)
		}
	}

	logger.Info("configuration validation complete")
	return nil
}

// validateStartupURLs only warns; the server starts regardless.
func validateStartupURLs(ctx context.Context, cfg server.Config, logger *slog.Logger) {
	for i, route := range cfg.Proxy.Routes {
		if err := validateURL(ctx, route.Target); err != nil {
			logger.Warn("proxy backend URL may not be accessible",
				"index", i,
				"prefix", route.PathPrefix,
				"target", route.Target,
				"error", err,
				"note", "server will continue but proxy requests may fail")
		} else {
			logger.Debug("proxy backend URL is accessible", "prefix", route.PathPrefix, "target", route.Target)
		}
	}
}

func validateURL(ctx context.Context, urlStr string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, urlStr, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 500 {
		return fmt.Errorf("received status %d", resp.StatusCode)
	}
	return nil
}

func runSetup(reader *bufio.Reader, path string, logger *slog.Logger) (server.Config, error) {
	fmt.Printf("No configuration file found at %s.\n", path)
	fmt.Println("Starting guided setup. Press Enter to accept defaults.")

	cfg := server.DefaultConfig()

	devMode := askYesNo(reader, "Run in development mode?", true)
	cfg.Server.DevMode = devMode

	if devMode {
		cfg.Server.ListenAddr = ask(reader, "Gateway listen address", cfg.Server.ListenAddr)
		cfg.Server.PublicURL = strings.TrimSuffix(ask(reader, "Gateway public URL", "http://"+cfg.Server.ListenAddr), "/")
	} else {
		domain := askRequired(reader, "Primary public domain (e.g. app.example.com)")
		cfg.Server.TLS.Domains = []string{domain}
		cfg.Server.PublicURL = "https://" + strings.TrimSuffix(domain, "/")
		cfg.Server.TLS.Email = ask(reader, "ACME contact email", cfg.Server.TLS.Email)
		cfg.Server.ListenAddr = ":80"
		cfg.Server.HTTPSListenAddr = ":443"
	}

	if askYesNo(reader, "Enable OpenID Connect login?", true) {
		cfg.OIDC.Enabled = true
		cfg.OIDC.Authority = strings.TrimSuffix(askRequired(reader, "Identity provider authority URL"), "/")
		cfg.OIDC.ClientID = askRequired(reader, "Client ID")
		cfg.OIDC.ClientSecret = ask(reader, "Client secret (empty for public client)", "")
		if strings.HasPrefix(cfg.OIDC.Authority, "http://") && devMode {
			insecure := false
			cfg.OIDC.RequireHTTPSMetadata = &insecure
		}
	} else {
		cfg.Server.LegacyLoginPath = ask(reader, "Legacy login path", cfg.Server.LegacyLoginPath)
	}

	secret, err := randomSecret(32)
	if err != nil {
		return server.Config{}, err
	}
	cfg.Sessions.Secret = secret

	if err := writeConfigFile(path, cfg); err != nil {
		return server.Config{}, err
	}
	logger.Info("configuration created", "path", path)

	return server.LoadConfig(path)
}

func randomSecret(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func ask(reader *bufio.Reader, prompt, def string) string {
	if def != "" {
		fmt.Printf("%s [%s]: ", prompt, def)
	} else {
		fmt.Printf("%s: ", prompt)
	}
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return strings.TrimSpace(def)
	}
	return input
}

func askRequired(reader *bufio.Reader, prompt string) string {
	for {
		fmt.Printf("%s: ", prompt)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(input)
		if input != "" {
			return input
		}
		if err != nil {
			return ""
		}
		fmt.Println("This value is required. Please enter a value.")
	}
}

func askYesNo(reader *bufio.Reader, prompt string, def bool) bool {
	defLabel := "Y"
	if !def {
		defLabel = "N"
	}
	for {
		fmt.Printf("%s [%s]: ", prompt, defLabel)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(strings.ToLower(input))
		if input == "" {
			return def
		}
		switch input {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		default:
			if err != nil {
				return def
			}
			fmt.Println("Please enter 'y' or 'n'.")
		}
	}
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
