package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aschepis/backscratcher/relay/client"
	"github.com/aschepis/backscratcher/relay/config"
	"github.com/aschepis/backscratcher/relay/llm"
	relaylogger "github.com/aschepis/backscratcher/relay/logger"
	"github.com/aschepis/backscratcher/relay/proxy"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  = flag.String("config", config.GetConfigPath(), "Path to the relay config file")
		model       = flag.String("model", "", "Model to use (defaults to defaults.model)")
		system      = flag.String("system", "", "System prompt")
		maxTokens   = flag.Int64("max-tokens", 0, "Maximum tokens to generate (defaults to defaults.max_tokens)")
		temperature = flag.Float64("temperature", -1, "Sampling temperature. Negative leaves it unset")
		asJSON      = flag.Bool("json", false, "Print the full response, including metrics, as JSON")
		logLevel    = flag.String("log-level", "warn", "Log level for stderr output")
		check       = flag.String("check", "", "Query the health of a running relayd at this address and exit")
		initConfig  = flag.Bool("init-config", false, "Write the default configuration to -config and exit")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: relay [flags] [prompt]\n\nSends one prompt through the proxy. Reads the prompt from stdin when none is given.\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	logger, err := relaylogger.New(relaylogger.Options{Pretty: true, Stderr: true, Level: *logLevel})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	if *initConfig {
		return writeDefaultConfig(*configPath)
	}
	if *check != "" {
		return checkHealth(*check)
	}

	prompt, err := readPrompt(flag.Args(), os.Stdin)
	if err != nil {
		return err
	}

	cfg, err := config.LoadProxyConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	client, err := config.NewAnthropicClient(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create upstream client: %w", err)
	}
	p, err := proxy.New(client, cfg.ProxySettings(), logger)
	if err != nil {
		return fmt.Errorf("failed to create proxy: %w", err)
	}
	if cfg.Defaults.SystemPrompt != "" {
		if err := p.AddRequestInterceptor(proxy.DefaultSystemPrompt(cfg.Defaults.SystemPrompt)); err != nil {
			return err
		}
	}

	req := proxy.Request{
		Messages:  []llm.Message{llm.NewTextMessage(llm.RoleUser, prompt)},
		System:    *system,
		Model:     *model,
		MaxTokens: *maxTokens,
	}
	if *temperature >= 0 {
		req.Temperature = temperature
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.Server.CallerTimeout)
	defer cancel()

	resp, err := p.SendMessage(ctx, req)
	if err != nil {
		return err
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	fmt.Println(resp.Text())
	m := resp.Metrics
	fmt.Fprintf(os.Stderr, "\n[%s] model=%s tokens=%d cost=$%.6f upstream=%.0fms overhead=%.2fms retries=%d\n",
		m.RequestID, resp.Model, m.TokensUsed, m.Cost, m.UpstreamLatencyMs(), m.OverheadMs(), m.RetryCount)
	return nil
}

// writeDefaultConfig saves the built-in configuration to path. An existing file is left untouched.
func writeDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}
	cfg := config.Defaults()
	if err := config.SaveProxyConfig(&cfg, path); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Wrote default configuration to %s\n", path)
	return nil
}

// checkHealth prints the relayd serving status and fails when it is not ready.
func checkHealth(address string) error {
	c, err := client.Connect(address)
	if err != nil {
		return err
	}
	defer c.Close() //nolint:errcheck // Nothing to do on close failure

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ready, err := c.Ready(ctx)
	if err != nil {
		return err
	}
	if !ready {
		return fmt.Errorf("relayd at %s is not serving", address)
	}
	fmt.Println("SERVING")
	return nil
}

// readPrompt joins the positional arguments, falling back to stdin.
func readPrompt(args []string, stdin io.Reader) (string, error) {
	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt != "" {
		return prompt, nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read prompt from stdin: %w", err)
	}
	prompt = strings.TrimSpace(string(data))
	if prompt == "" {
		return "", fmt.Errorf("no prompt given")
	}
	return prompt, nil
}
