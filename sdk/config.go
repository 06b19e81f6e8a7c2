package sdk

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/gryffindors-team/yellow-sdk/wire"
)

const (
	defaultLogLevel = "NOTICE"
	defaultScope    = "app"

	// defaultSessionDuration is the requested session lifetime in seconds.
	defaultSessionDuration = 3600

	// defaultSwapResponseTimeout bounds the wait for a swap response, in
	// milliseconds.
	defaultSwapResponseTimeout = 60_000
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// knownNetworks maps a network name to its chain id so configs can name
// a chain instead of numbering it.
var knownNetworks = map[string]uint64{
	"mainnet": 1,
	"polygon": 137,
	"celo":    42220,
	"base":    8453,
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Config is the top level client configuration.
type Config struct {
	// Endpoint is the clearnode URL. ws/wss is used as given; http/https
	// is rewritten to the websocket equivalent.
	Endpoint string

	// AppName identifies the application in session policies. Wallets
	// display it as the signing domain when approving a session.
	AppName string

	// Scope restricts what the authorized session key may do.
	Scope string

	// SessionDuration is the requested session lifetime in seconds.
	SessionDuration uint64

	// SwapResponseTimeout bounds the wait for a swap response, in
	// milliseconds.
	SwapResponseTimeout uint64

	// Network selects a known chain by name. ChainID may be set directly
	// instead, and wins when both are present.
	Network string

	// ChainID is the chain the custody contract lives on.
	ChainID uint64

	// ChainRPCURL is the JSON-RPC endpoint for on-chain channel
	// operations. Without it the client is off-chain only.
	ChainRPCURL string

	// CustodyAddress is the custody contract address. Required when
	// ChainRPCURL is set.
	CustodyAddress string

	// Allowances are the spending caps embedded in session policies.
	Allowances []wire.Allowance

	Logging *Logging
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration.
func (c *Config) FixupAndValidate() error {
	if c.Logging == nil {
		c.Logging = &defaultLogging
	}
	if err := c.Logging.validate(); err != nil {
		return err
	}

	if c.Endpoint == "" {
		return errors.New("config: Endpoint is missing")
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return fmt.Errorf("config: Endpoint is invalid: %v", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("config: Endpoint scheme '%v' is invalid", u.Scheme)
	}

	if c.AppName == "" {
		return errors.New("config: AppName is missing")
	}
	if c.Scope == "" {
		c.Scope = defaultScope
	}
	if c.SessionDuration == 0 {
		c.SessionDuration = defaultSessionDuration
	}
	if c.SwapResponseTimeout == 0 {
		c.SwapResponseTimeout = defaultSwapResponseTimeout
	}

	if c.Network != "" {
		id, ok := knownNetworks[strings.ToLower(c.Network)]
		if !ok && c.ChainID == 0 {
			return fmt.Errorf("config: Network '%v' is unknown", c.Network)
		}
		if c.ChainID == 0 {
			c.ChainID = id
		}
	}

	if c.ChainRPCURL != "" && c.CustodyAddress == "" {
		return errors.New("config: CustodyAddress is required with ChainRPCURL")
	}
	if c.CustodyAddress != "" && !common.IsHexAddress(c.CustodyAddress) {
		return fmt.Errorf("config: CustodyAddress '%v' is invalid", c.CustodyAddress)
	}

	for i, a := range c.Allowances {
		if a.Asset == "" {
			return fmt.Errorf("config: Allowances[%d]: Asset is missing", i)
		}
		amt, err := decimal.NewFromString(a.Amount)
		if err != nil {
			return fmt.Errorf("config: Allowances[%d]: Amount '%v' is invalid", i, a.Amount)
		}
		if amt.IsNegative() {
			return fmt.Errorf("config: Allowances[%d]: Amount must not be negative", i)
		}
	}

	return nil
}

// Load parses and validates the provided buffer b as a config file body
// and returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the provided file and returns
// the Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
