package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"entitytx/pkg/config"
	"entitytx/pkg/coordinator"
	"entitytx/pkg/logging"
	"entitytx/pkg/store"
)

type Configuration struct {
	ConfigPath string
	Engine     string
	DBPath     string
	Scenario   string
	LogLevel   string
	LogFormat  string
}

var (
	titleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#7C3AED")).Bold(true)
	stepStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#06B6D4"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981")).Bold(true)
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")).Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#7C3AED")).
			Padding(0, 1)
)

func main() {
	conf := parseArguments()
	showSplashScreen()

	cfg, err := loadConfiguration(conf)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	selected, err := selectScenarios(conf.Scenario)
	if err != nil {
		log.Fatalf("%v", err)
	}

	if err := logging.Init(cfg.LoggerConfig()); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	c, err := coordinator.Open(cfg)
	if err != nil {
		log.Fatalf("Failed to open coordinator: %v", err)
	}

	failed := runScenarios(context.Background(), c, selected)
	printStats(c.Stats())

	if err := c.Close(); err != nil {
		log.Printf("Failed to close coordinator: %v", err)
	}
	_ = logging.Close()

	if failed > 0 {
		os.Exit(1)
	}
}

// runScenarios runs each scenario in turn and returns how many failed.
func runScenarios(ctx context.Context, c *coordinator.Coordinator, selected []scenario) int {
	failed := 0
	for _, sc := range selected {
		fmt.Println(titleStyle.Render("▶ " + sc.name))
		fmt.Println(dimStyle.Render("  " + sc.about))
		if err := sc.run(ctx, c); err != nil {
			failed++
			fmt.Println(failStyle.Render("  ✗ " + err.Error()))
		} else {
			fmt.Println(okStyle.Render("  ✓ done"))
		}
		fmt.Println()
	}
	return failed
}

// parseArguments processes command-line flags
func parseArguments() Configuration {
	var conf Configuration

	flag.StringVar(&conf.ConfigPath, "config", "", "Config file path (default: search $ENTITYTX_CONFIG, ./entitytx.yaml, ~/.config/entitytx/config.yaml)")
	flag.StringVar(&conf.Engine, "store", "", "Store engine: memory or sqlite")
	flag.StringVar(&conf.DBPath, "db", "", "SQLite database file (empty for in-memory)")
	flag.StringVar(&conf.Scenario, "scenario", "all", "Scenario to run, or all")
	flag.StringVar(&conf.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
	flag.StringVar(&conf.LogFormat, "log-format", "", "Log format: text or json")

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: entitytx [flags]\n\nScenarios:\n")
		for _, sc := range scenarios {
			fmt.Fprintf(flag.CommandLine.Output(), "  %-18s %s\n", sc.name, sc.about)
		}
		fmt.Fprintln(flag.CommandLine.Output(), "\nFlags:")
		flag.PrintDefaults()
	}

	flag.Parse()

	return conf
}

// loadConfiguration reads the config file and applies flag overrides. The
// demo entities are cached and owned unless the file says otherwise.
func loadConfiguration(conf Configuration) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if conf.ConfigPath != "" {
		cfg, _, err = config.LoadFromPath(conf.ConfigPath)
	} else {
		cfg, _, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if conf.Engine != "" {
		cfg.Store.Engine = conf.Engine
	}
	if conf.DBPath != "" {
		cfg.Store.Path = conf.DBPath
	}
	if conf.LogLevel != "" {
		cfg.Logging.Level = conf.LogLevel
	}
	if conf.LogFormat != "" {
		cfg.Logging.Format = conf.LogFormat
	}
	if len(cfg.Cache.Kinds) == 0 {
		cfg.Cache.Kinds = []string{string(kindCD), string(kindCustomer)}
	}
	if len(cfg.Ownership) == 0 {
		cfg.Ownership = []store.Rule{{Owner: kindCustomer, Owned: kindAddress, Attribute: "address"}}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func selectScenarios(name string) ([]scenario, error) {
	if name == "" || name == "all" {
		return scenarios, nil
	}
	for _, sc := range scenarios {
		if sc.name == name {
			return []scenario{sc}, nil
		}
	}

	names := make([]string, len(scenarios))
	for i, sc := range scenarios {
		names[i] = sc.name
	}
	return nil, fmt.Errorf("unknown scenario %q (available: %s)", name, strings.Join(names, ", "))
}

// showSplashScreen displays the banner
func showSplashScreen() {
	splash := `
╔══════════════════════════════════════════════════════╗
║                                                      ║
║    ███████╗███╗   ██╗████████╗██╗████████╗██╗   ██╗  ║
║    ██╔════╝████╗  ██║╚══██╔══╝██║╚══██╔══╝╚██╗ ██╔╝  ║
║    █████╗  ██╔██╗ ██║   ██║   ██║   ██║    ╚████╔╝   ║
║    ██╔══╝  ██║╚██╗██║   ██║   ██║   ██║     ╚██╔╝    ║
║    ███████╗██║ ╚████║   ██║   ██║   ██║      ██║     ║
║    ╚══════╝╚═╝  ╚═══╝   ╚═╝   ╚═╝   ╚═╝      ╚═╝  tx ║
║                                                      ║
║      Versioned records, record locks, one cache      ║
╚══════════════════════════════════════════════════════╝
`
	fmt.Println(titleStyle.Render(splash))
}

func printStats(s coordinator.Stats) {
	lines := []string{
		titleStyle.Render("Summary"),
		fmt.Sprintf("transactions  committed %d, rolled back %d, conflicts %d", s.Committed, s.RolledBack, s.Conflicts),
		fmt.Sprintf("locks         granted %d, waited %d, timed out %d, deadlocks %d",
			s.Locks.Granted, s.Locks.Waited, s.Locks.TimedOut, s.Locks.Deadlocks),
		fmt.Sprintf("cache         hits %d, misses %d, puts %d, evictions %d, entries %d",
			s.Cache.Hits, s.Cache.Misses, s.Cache.Puts, s.Cache.Evictions, s.Cache.Entries),
	}
	fmt.Println(boxStyle.Render(strings.Join(lines, "\n")))
}

// step prints one line of scenario progress.
func step(format string, args ...any) {
	fmt.Println(stepStyle.Render("  • " + fmt.Sprintf(format, args...)))
}

// truncateString shortens s to maxLen runes for display.
func truncateString(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
