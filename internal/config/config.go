package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	EnginePlaywright = "playwright"
	EngineChromedp   = "chromedp"

	ActionType   = "type"
	ActionSelect = "select"
)

type Config struct {
	Engine        string
	Browser       string
	Headless      bool
	BrowserArgs   []string
	Viewport      Viewport
	Timeouts      Timeouts
	Retry         Retry
	Selectors     Selectors
	CheckoutForm  []Field
	ScreenshotDir string
	DataDir       string
	HistoryTTL    time.Duration
	Source        string
}

type Viewport struct {
	Width  int
	Height int
}

// Timeouts bound every browser operation class.
type Timeouts struct {
	Navigation time.Duration
	Action     time.Duration
	Protocol   time.Duration
	Screenshot time.Duration
	Terms      time.Duration
	TypeDelay  time.Duration
	ClickDelay time.Duration
}

type Retry struct {
	Max   int
	Delay time.Duration
}

// Selectors holds the ordered candidate lists for each logical element.
type Selectors struct {
	ProductLink       []string
	AddToCart         []string
	Checkout          []string
	CheckoutForm      []string
	PaymentMethod     []string
	Terms             []string
	PlaceOrder        []string
	OrderConfirmation []string
	AddToCartResponse string
}

// Field is one checkout form fill, applied in order.
type Field struct {
	Selector string
	Value    string
	Action   string
}

type rawConfig struct {
	Engine        string       `toml:"engine" yaml:"engine"`
	Browser       string       `toml:"browser" yaml:"browser"`
	Headless      *bool        `toml:"headless" yaml:"headless"`
	BrowserArgs   []string     `toml:"browser_args" yaml:"browser_args"`
	Viewport      rawViewport  `toml:"viewport" yaml:"viewport"`
	Timeouts      rawTimeouts  `toml:"timeouts" yaml:"timeouts"`
	Retry         rawRetry     `toml:"retry" yaml:"retry"`
	Selectors     rawSelectors `toml:"selectors" yaml:"selectors"`
	CheckoutForm  []rawField   `toml:"checkout_form" yaml:"checkout_form"`
	ScreenshotDir string       `toml:"screenshot_dir" yaml:"screenshot_dir"`
	DataDir       string       `toml:"data_dir" yaml:"data_dir"`
	HistoryTTL    string       `toml:"history_ttl" yaml:"history_ttl"`
}

type rawViewport struct {
	Width  int `toml:"width" yaml:"width"`
	Height int `toml:"height" yaml:"height"`
}

type rawTimeouts struct {
	Navigation string `toml:"navigation" yaml:"navigation"`
	Action     string `toml:"action" yaml:"action"`
	Protocol   string `toml:"protocol" yaml:"protocol"`
	Screenshot string `toml:"screenshot" yaml:"screenshot"`
	Terms      string `toml:"terms" yaml:"terms"`
	TypeDelay  string `toml:"type_delay" yaml:"type_delay"`
	ClickDelay string `toml:"click_delay" yaml:"click_delay"`
}

type rawRetry struct {
	Max   int    `toml:"max" yaml:"max"`
	Delay string `toml:"delay" yaml:"delay"`
}

type rawSelectors struct {
	ProductLink       []string `toml:"product_link" yaml:"product_link"`
	AddToCart         []string `toml:"add_to_cart" yaml:"add_to_cart"`
	Checkout          []string `toml:"checkout" yaml:"checkout"`
	CheckoutForm      []string `toml:"checkout_form" yaml:"checkout_form"`
	PaymentMethod     []string `toml:"payment_method" yaml:"payment_method"`
	Terms             []string `toml:"terms" yaml:"terms"`
	PlaceOrder        []string `toml:"place_order" yaml:"place_order"`
	OrderConfirmation []string `toml:"order_confirmation" yaml:"order_confirmation"`
	AddToCartResponse string   `toml:"add_to_cart_response" yaml:"add_to_cart_response"`
}

type rawField struct {
	Selector string `toml:"selector" yaml:"selector"`
	Value    string `toml:"value" yaml:"value"`
	Action   string `toml:"action" yaml:"action"`
}

// Overrides are values set explicitly on the command line.
type Overrides struct {
	Engine        string
	Browser       string
	Headed        bool
	ScreenshotDir string
	DataDir       string
}

func Default() Config {
	return Config{
		Engine:   EnginePlaywright,
		Browser:  "chromium",
		Headless: true,
		BrowserArgs: []string{
			"--no-sandbox",
			"--disable-setuid-sandbox",
			"--disable-dev-shm-usage",
			"--disable-accelerated-2d-canvas",
			"--disable-gpu",
		},
		Viewport: Viewport{Width: 1280, Height: 1024},
		Timeouts: Timeouts{
			Navigation: 60 * time.Second,
			Action:     30 * time.Second,
			Protocol:   120 * time.Second,
			Screenshot: 30 * time.Second,
			Terms:      5 * time.Second,
			TypeDelay:  50 * time.Millisecond,
			ClickDelay: 100 * time.Millisecond,
		},
		Retry: Retry{Max: 3, Delay: 2 * time.Second},
		Selectors: Selectors{
			ProductLink: []string{
				".products .product a.woocommerce-LoopProduct-link",
				"ul.products li.product a",
				".product a[href*='/product']",
				"a[href*='/product/']",
				"a[href*='/products/']",
			},
			AddToCart: []string{
				"button.single_add_to_cart_button",
				"button[name='add-to-cart']",
				".add_to_cart_button",
				"form.cart button[type='submit']",
				"button[data-action='add-to-cart']",
			},
			Checkout: []string{
				".woocommerce-message a.wc-forward",
				"a.checkout-button",
				"a[href*='/checkout']",
				".widget_shopping_cart a.checkout",
			},
			CheckoutForm: []string{
				"form.woocommerce-checkout",
				"form.checkout",
				"form[name='checkout']",
			},
			PaymentMethod: []string{
				"input[name='payment_method']",
			},
			Terms: []string{
				"#terms",
			},
			PlaceOrder: []string{
				"#place_order",
				"button[name='woocommerce_checkout_place_order']",
			},
			OrderConfirmation: []string{
				".woocommerce-order-overview",
				".woocommerce-thankyou-order-received",
			},
			AddToCartResponse: `add_to_cart`,
		},
		CheckoutForm: []Field{
			{Selector: "#billing_first_name", Value: "Test", Action: ActionType},
			{Selector: "#billing_last_name", Value: "User", Action: ActionType},
			{Selector: "#billing_email", Value: "test@example.com", Action: ActionType},
			{Selector: "#billing_phone", Value: "11999999999", Action: ActionType},
			{Selector: "#billing_address_1", Value: "Test Street 123", Action: ActionType},
			{Selector: "#billing_city", Value: "São Paulo", Action: ActionType},
			{Selector: "#billing_state", Value: "SP", Action: ActionSelect},
			{Selector: "#billing_postcode", Value: "01001000", Action: ActionType},
		},
		ScreenshotDir: ".",
		DataDir:       defaultDataDir(),
		HistoryTTL:    14 * 24 * time.Hour,
	}
}

// Load layers defaults, the first system config found, the explicit file,
// FUNNELCHECK_* environment and command line overrides, in that order.
func Load(path string, overrides Overrides) (Config, error) {
	cfg := Default()

	if err := loadSystemConfig(&cfg); err != nil {
		return Config{}, err
	}
	if strings.TrimSpace(path) != "" {
		if err := loadFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if overrides.Engine != "" {
		cfg.Engine = overrides.Engine
	}
	if overrides.Browser != "" {
		cfg.Browser = overrides.Browser
	}
	if overrides.Headed {
		cfg.Headless = false
	}
	if overrides.ScreenshotDir != "" {
		cfg.ScreenshotDir = overrides.ScreenshotDir
	}
	if overrides.DataDir != "" {
		cfg.DataDir = overrides.DataDir
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadSystemConfig(cfg *Config) error {
	paths := []string{
		"/opt/homebrew/etc/funnelcheck/config.toml",
		"/usr/local/etc/funnelcheck/config.toml",
		"/etc/funnelcheck/config.toml",
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		return loadFile(cfg, path)
	}
	return nil
}

func loadFile(cfg *Config, path string) error {
	var raw rawConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		b, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &raw); err != nil {
			return fmt.Errorf("parse config %q: %w", path, err)
		}
	default:
		if _, err := toml.DecodeFile(path, &raw); err != nil {
			return fmt.Errorf("parse config %q: %w", path, err)
		}
	}
	if err := merge(cfg, raw); err != nil {
		return fmt.Errorf("config %q: %w", path, err)
	}
	cfg.Source = path
	return nil
}

func merge(cfg *Config, raw rawConfig) error {
	if raw.Engine != "" {
		cfg.Engine = raw.Engine
	}
	if raw.Browser != "" {
		cfg.Browser = raw.Browser
	}
	if raw.Headless != nil {
		cfg.Headless = *raw.Headless
	}
	if len(raw.BrowserArgs) > 0 {
		cfg.BrowserArgs = append([]string{}, raw.BrowserArgs...)
	}
	if raw.Viewport.Width > 0 {
		cfg.Viewport.Width = raw.Viewport.Width
	}
	if raw.Viewport.Height > 0 {
		cfg.Viewport.Height = raw.Viewport.Height
	}

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"timeouts.navigation", raw.Timeouts.Navigation, &cfg.Timeouts.Navigation},
		{"timeouts.action", raw.Timeouts.Action, &cfg.Timeouts.Action},
		{"timeouts.protocol", raw.Timeouts.Protocol, &cfg.Timeouts.Protocol},
		{"timeouts.screenshot", raw.Timeouts.Screenshot, &cfg.Timeouts.Screenshot},
		{"timeouts.terms", raw.Timeouts.Terms, &cfg.Timeouts.Terms},
		{"timeouts.type_delay", raw.Timeouts.TypeDelay, &cfg.Timeouts.TypeDelay},
		{"timeouts.click_delay", raw.Timeouts.ClickDelay, &cfg.Timeouts.ClickDelay},
		{"retry.delay", raw.Retry.Delay, &cfg.Retry.Delay},
		{"history_ttl", raw.HistoryTTL, &cfg.HistoryTTL},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = v
	}
	if raw.Retry.Max > 0 {
		cfg.Retry.Max = raw.Retry.Max
	}

	lists := []struct {
		src []string
		dst *[]string
	}{
		{raw.Selectors.ProductLink, &cfg.Selectors.ProductLink},
		{raw.Selectors.AddToCart, &cfg.Selectors.AddToCart},
		{raw.Selectors.Checkout, &cfg.Selectors.Checkout},
		{raw.Selectors.CheckoutForm, &cfg.Selectors.CheckoutForm},
		{raw.Selectors.PaymentMethod, &cfg.Selectors.PaymentMethod},
		{raw.Selectors.Terms, &cfg.Selectors.Terms},
		{raw.Selectors.PlaceOrder, &cfg.Selectors.PlaceOrder},
		{raw.Selectors.OrderConfirmation, &cfg.Selectors.OrderConfirmation},
	}
	for _, l := range lists {
		if len(l.src) > 0 {
			*l.dst = append([]string{}, l.src...)
		}
	}
	if raw.Selectors.AddToCartResponse != "" {
		cfg.Selectors.AddToCartResponse = raw.Selectors.AddToCartResponse
	}

	if len(raw.CheckoutForm) > 0 {
		fields := make([]Field, 0, len(raw.CheckoutForm))
		for _, f := range raw.CheckoutForm {
			action := f.Action
			if action == "" {
				action = ActionType
			}
			fields = append(fields, Field{Selector: f.Selector, Value: f.Value, Action: action})
		}
		cfg.CheckoutForm = fields
	}
	if raw.ScreenshotDir != "" {
		cfg.ScreenshotDir = raw.ScreenshotDir
	}
	if raw.DataDir != "" {
		cfg.DataDir = raw.DataDir
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv("FUNNELCHECK_ENGINE")); v != "" {
		cfg.Engine = v
	}
	if v := strings.TrimSpace(os.Getenv("FUNNELCHECK_HEADLESS")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid FUNNELCHECK_HEADLESS: %w", err)
		}
		cfg.Headless = b
	}
	if v := strings.TrimSpace(os.Getenv("FUNNELCHECK_SCREENSHOT_DIR")); v != "" {
		cfg.ScreenshotDir = v
	}
	if v := strings.TrimSpace(os.Getenv("FUNNELCHECK_DATA_DIR")); v != "" {
		cfg.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv("FUNNELCHECK_NAVIGATION_TIMEOUT")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid FUNNELCHECK_NAVIGATION_TIMEOUT: %w", err)
		}
		cfg.Timeouts.Navigation = d
	}
	if v := strings.TrimSpace(os.Getenv("FUNNELCHECK_ACTION_TIMEOUT")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid FUNNELCHECK_ACTION_TIMEOUT: %w", err)
		}
		cfg.Timeouts.Action = d
	}
	return nil
}

func (c Config) Validate() error {
	switch c.Engine {
	case EnginePlaywright, EngineChromedp:
	default:
		return fmt.Errorf("unknown engine %q", c.Engine)
	}
	switch c.Browser {
	case "chromium", "firefox", "webkit":
		if c.Engine == EngineChromedp && c.Browser != "chromium" {
			return fmt.Errorf("engine chromedp only drives chromium, not %q", c.Browser)
		}
	default:
		return fmt.Errorf("unknown browser %q", c.Browser)
	}
	timeouts := map[string]time.Duration{
		"navigation": c.Timeouts.Navigation,
		"action":     c.Timeouts.Action,
		"protocol":   c.Timeouts.Protocol,
		"screenshot": c.Timeouts.Screenshot,
		"terms":      c.Timeouts.Terms,
	}
	for name, d := range timeouts {
		if d <= 0 {
			return fmt.Errorf("timeout %s must be positive", name)
		}
	}
	if c.Timeouts.TypeDelay < 0 || c.Timeouts.ClickDelay < 0 {
		return errors.New("input delays must not be negative")
	}
	if c.Retry.Max < 1 {
		return errors.New("retry.max must be at least 1")
	}
	lists := map[string][]string{
		"product_link":       c.Selectors.ProductLink,
		"add_to_cart":        c.Selectors.AddToCart,
		"checkout":           c.Selectors.Checkout,
		"checkout_form":      c.Selectors.CheckoutForm,
		"payment_method":     c.Selectors.PaymentMethod,
		"place_order":        c.Selectors.PlaceOrder,
		"order_confirmation": c.Selectors.OrderConfirmation,
	}
	for name, list := range lists {
		if len(list) == 0 {
			return fmt.Errorf("selectors.%s must list at least one candidate", name)
		}
	}
	if _, err := regexp.Compile(c.Selectors.AddToCartResponse); err != nil {
		return fmt.Errorf("invalid selectors.add_to_cart_response: %w", err)
	}
	for i, f := range c.CheckoutForm {
		if f.Selector == "" {
			return fmt.Errorf("checkout_form[%d]: selector required", i)
		}
		if f.Action != ActionType && f.Action != ActionSelect {
			return fmt.Errorf("checkout_form[%d]: unknown action %q", i, f.Action)
		}
	}
	return nil
}

// AddToCartPattern compiles the add-to-cart response matcher. Validate guarantees it compiles.
func (c Config) AddToCartPattern() *regexp.Regexp {
	return regexp.MustCompile(c.Selectors.AddToCartResponse)
}

func defaultDataDir() string {
	if xdg := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); xdg != "" {
		return filepath.Join(xdg, "funnelcheck")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "funnelcheck")
	}
	return filepath.Join(home, ".local", "share", "funnelcheck")
}

// IsWritableDir reports whether path can be created and written to.
func IsWritableDir(path string) bool {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return false
	}
	testFile := filepath.Join(path, ".funnelcheck-writetest")
	if err := os.WriteFile(testFile, []byte("ok"), 0o644); err != nil {
		return false
	}
	_ = os.Remove(testFile)
	return true
}
