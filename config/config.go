package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	Port          uint32
	LogLevel      int
	DbType        string
	DatabaseURL   string
	DbMaxConns    int32
	Datadir       string
	EscrowType    string
	EscrowAccount common.Address
	AdminAddress  common.Address
	ServerAddress common.Address
	JWTSecret     string
	DefaultAuto   bool
	ReserveFunds  bool
}

var (
	Port          = "PORT"
	LogLevel      = "LOG_LEVEL"
	DbType        = "DB_TYPE"
	DatabaseURL   = "DATABASE_URL"
	DbMaxConns    = "DB_MAX_CONNS"
	Datadir       = "DATADIR"
	EscrowType    = "ESCROW_TYPE"
	EscrowAccount = "ESCROW_ACCOUNT"
	AdminAddress  = "ADMIN_ADDRESS"
	ServerAddress = "SERVER_ADDRESS"
	JWTSecret     = "JWT_SECRET"
	DefaultAuto   = "DEFAULT_AUTO"
	ReserveFunds  = "RESERVE_FUNDS"

	defaultPort        = 8080
	defaultLogLevel    = 4
	defaultDbType      = "memory"
	defaultEscrowType  = "memory"
	defaultDbMaxConns  = 10
	defaultDefaultAuto = false
	defaultReserve     = false

	supportedDbs = supportedType{
		"memory":   {},
		"postgres": {},
		"badger":   {},
	}
	supportedEscrows = supportedType{
		"memory":   {},
		"postgres": {},
	}
)

func LoadConfig() (*Config, error) {
	viper.SetEnvPrefix("DISPUTEFLOW")
	viper.AutomaticEnv()

	viper.SetDefault(Port, defaultPort)
	viper.SetDefault(LogLevel, defaultLogLevel)
	viper.SetDefault(DbType, defaultDbType)
	viper.SetDefault(EscrowType, defaultEscrowType)
	viper.SetDefault(DbMaxConns, defaultDbMaxConns)
	viper.SetDefault(DefaultAuto, defaultDefaultAuto)
	viper.SetDefault(ReserveFunds, defaultReserve)

	cfg := &Config{
		Port:         viper.GetUint32(Port),
		LogLevel:     viper.GetInt(LogLevel),
		DbType:       strings.ToLower(viper.GetString(DbType)),
		DatabaseURL:  viper.GetString(DatabaseURL),
		DbMaxConns:   viper.GetInt32(DbMaxConns),
		Datadir:      viper.GetString(Datadir),
		EscrowType:   strings.ToLower(viper.GetString(EscrowType)),
		JWTSecret:    viper.GetString(JWTSecret),
		DefaultAuto:  viper.GetBool(DefaultAuto),
		ReserveFunds: viper.GetBool(ReserveFunds),
	}

	var err error
	if cfg.AdminAddress, err = parseAddress(AdminAddress, true); err != nil {
		return nil, err
	}
	if cfg.ServerAddress, err = parseAddress(ServerAddress, true); err != nil {
		return nil, err
	}
	if cfg.EscrowAccount, err = parseAddress(EscrowAccount, false); err != nil {
		return nil, err
	}
	if cfg.EscrowAccount == (common.Address{}) {
		cfg.EscrowAccount = cfg.ServerAddress
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.DbType == "badger" && cfg.Datadir != "" {
		if err := makeDirectoryIfNotExists(cfg.Datadir); err != nil {
			return nil, fmt.Errorf("error while creating datadir: %s", err)
		}
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if !supportedDbs.supports(c.DbType) {
		return fmt.Errorf("db type not supported, please select one of: %s", supportedDbs)
	}
	if !supportedEscrows.supports(c.EscrowType) {
		return fmt.Errorf("escrow type not supported, please select one of: %s", supportedEscrows)
	}
	if (c.DbType == "postgres" || c.EscrowType == "postgres") && len(c.DatabaseURL) <= 0 {
		return fmt.Errorf("missing database url")
	}
	if c.DbMaxConns <= 0 {
		return fmt.Errorf("db max conns must be positive")
	}
	if len(c.JWTSecret) <= 0 {
		return fmt.Errorf("missing jwt secret")
	}
	if c.LogLevel < int(log.PanicLevel) || c.LogLevel > int(log.TraceLevel) {
		return fmt.Errorf("invalid log level %d", c.LogLevel)
	}
	return nil
}

func parseAddress(key string, required bool) (common.Address, error) {
	raw := strings.TrimSpace(viper.GetString(key))
	if raw == "" {
		if required {
			return common.Address{}, fmt.Errorf("missing %s", strings.ToLower(key))
		}
		return common.Address{}, nil
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("invalid %s %q", strings.ToLower(key), raw)
	}
	addr := common.HexToAddress(raw)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("invalid %s: zero address", strings.ToLower(key))
	}
	return addr, nil
}

func makeDirectoryIfNotExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, os.ModeDir|0755)
	}
	return nil
}

type supportedType map[string]struct{}

func (t supportedType) String() string {
	types := make([]string, 0, len(t))
	for tt := range t {
		types = append(types, tt)
	}
	return strings.Join(types, " | ")
}

func (t supportedType) supports(typeStr string) bool {
	_, ok := t[typeStr]
	return ok
}

// LocalDatabase names the throwaway database the stress run creates on a
// developer's own Postgres when neither a DSN nor docker is available.
type LocalDatabase struct {
	Host     string
	Port     uint16
	Name     string
	Role     string
	Password string
}

var (
	LocalDbHost     = "LOCAL_DB_HOST"
	LocalDbPort     = "LOCAL_DB_PORT"
	LocalDbName     = "LOCAL_DB_NAME"
	LocalDbRole     = "LOCAL_DB_ROLE"
	LocalDbPassword = "LOCAL_DB_PASSWORD"

	defaultLocalDbHost     = "127.0.0.1"
	defaultLocalDbPort     = 5432
	defaultLocalDbName     = "disputeflow_stress"
	defaultLocalDbRole     = "disputeflow"
	defaultLocalDbPassword = "pass"
)

func LoadLocalDatabase() (*LocalDatabase, error) {
	viper.SetEnvPrefix("DISPUTEFLOW")
	viper.AutomaticEnv()

	viper.SetDefault(LocalDbHost, defaultLocalDbHost)
	viper.SetDefault(LocalDbPort, defaultLocalDbPort)
	viper.SetDefault(LocalDbName, defaultLocalDbName)
	viper.SetDefault(LocalDbRole, defaultLocalDbRole)
	viper.SetDefault(LocalDbPassword, defaultLocalDbPassword)

	ldb := &LocalDatabase{
		Host:     viper.GetString(LocalDbHost),
		Port:     viper.GetUint16(LocalDbPort),
		Name:     viper.GetString(LocalDbName),
		Role:     viper.GetString(LocalDbRole),
		Password: viper.GetString(LocalDbPassword),
	}
	if ldb.Host == "" || ldb.Port == 0 {
		return nil, fmt.Errorf("invalid local database address %s:%d", ldb.Host, ldb.Port)
	}
	if ldb.Name == "" || ldb.Role == "" {
		return nil, fmt.Errorf("local database name and role are required")
	}
	// The run drops and recreates the database, so never point it at a real one.
	if ldb.Name == "postgres" || ldb.Name == "template0" || ldb.Name == "template1" {
		return nil, fmt.Errorf("refusing to recreate system database %q", ldb.Name)
	}
	return ldb, nil
}

// Addr is the host:port pair of the local server.
func (l *LocalDatabase) Addr() string {
	return fmt.Sprintf("%s:%d", l.Host, l.Port)
}
