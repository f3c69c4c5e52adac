// Package config loads service configuration from the environment (viper)
// and per-project configuration from YAML files. Secrets (store logins, FTPS
// credentials, hashing salts) come from Vault via SecretManager.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// OrthancConfig describes one staging image store instance.
type OrthancConfig struct {
	URL      string
	Username string
	Password string
	AET      string
}

// Config is the environment-derived configuration shared by the worker
// binaries. It is loaded once at start and passed explicitly.
type Config struct {
	NATSURL     string
	PostgresURL string
	RedisURL    string

	VaultAddr       string
	VaultToken      string
	VaultSecretPath string

	OrthancRaw  OrthancConfig
	OrthancAnon OrthancConfig

	// VNAModality is the remote modality name used for C-FIND/C-MOVE.
	VNAModality string

	// TransferTimeout bounds a single C-MOVE from the VNA.
	TransferTimeout time.Duration

	HasherURL string

	// ProjectConfigDir holds one <slug>.yaml per project.
	ProjectConfigDir string

	// ExportRoot is the base of the on-disk export tree.
	ExportRoot string

	// Queues consumed by this deployment; queue naming is configuration,
	// not a constant.
	Queues []string

	// MaxUnknownDeliveries caps redelivery of messages failing with errors
	// outside the taxonomy before they are dropped.
	MaxUnknownDeliveries int

	// Salt feeds the deterministic UID pseudonymisation. Loaded from Vault.
	Salt string

	// UploadCredsPath is the Vault base path for per-project destination
	// credentials.
	UploadCredsPath string

	// DICOMWebServer names the anonymising store's configured DICOMweb
	// destination server.
	DICOMWebServer string

	// SweepSchedule is the cron spec for the stable-study catch-up sweep.
	SweepSchedule string

	// StateDir is where the stop command writes queue checkpoint files.
	StateDir string

	// ImagingAPIURL and ExportAPIURL are the worker control endpoints the
	// CLI talks to.
	ImagingAPIURL string
	ExportAPIURL  string

	HTTPAddr     string
	OTelEndpoint string
}

// Load reads configuration from the environment with PIXL_ prefixes.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PIXL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("nats_url", "nats://localhost:4222")
	v.SetDefault("vault_addr", "http://localhost:8200")
	v.SetDefault("vault_token", "root")
	v.SetDefault("vault_secret_path", "secret/data/pixl")
	v.SetDefault("vna_modality", "UCVNAQR")
	v.SetDefault("dicom_transfer_timeout", "180s")
	v.SetDefault("project_config_dir", "projects")
	v.SetDefault("export_root", "exports")
	v.SetDefault("queues", "imaging,export")
	v.SetDefault("max_unknown_deliveries", 3)
	v.SetDefault("upload_creds_path", "secret/data/pixl/destinations")
	v.SetDefault("dicomweb_server", "dsh")
	v.SetDefault("sweep_schedule", "@every 10m")
	v.SetDefault("state_dir", ".")
	v.SetDefault("imaging_api_url", "http://localhost:7007")
	v.SetDefault("export_api_url", "http://localhost:7006")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("orthanc_raw_aet", "PIXLRAW")
	v.SetDefault("orthanc_anon_aet", "PIXLANON")

	cfg := &Config{
		NATSURL:         v.GetString("nats_url"),
		PostgresURL:     v.GetString("db_url"),
		RedisURL:        v.GetString("redis_url"),
		VaultAddr:       v.GetString("vault_addr"),
		VaultToken:      v.GetString("vault_token"),
		VaultSecretPath: v.GetString("vault_secret_path"),
		OrthancRaw: OrthancConfig{
			URL: v.GetString("orthanc_raw_url"),
			AET: v.GetString("orthanc_raw_aet"),
		},
		OrthancAnon: OrthancConfig{
			URL: v.GetString("orthanc_anon_url"),
			AET: v.GetString("orthanc_anon_aet"),
		},
		VNAModality:          v.GetString("vna_modality"),
		TransferTimeout:      v.GetDuration("dicom_transfer_timeout"),
		HasherURL:            v.GetString("hasher_url"),
		ProjectConfigDir:     v.GetString("project_config_dir"),
		ExportRoot:           v.GetString("export_root"),
		Queues:               splitQueues(v.GetString("queues")),
		MaxUnknownDeliveries: v.GetInt("max_unknown_deliveries"),
		UploadCredsPath:      v.GetString("upload_creds_path"),
		DICOMWebServer:       v.GetString("dicomweb_server"),
		SweepSchedule:        v.GetString("sweep_schedule"),
		StateDir:             v.GetString("state_dir"),
		ImagingAPIURL:        v.GetString("imaging_api_url"),
		ExportAPIURL:         v.GetString("export_api_url"),
		HTTPAddr:             v.GetString("http_addr"),
		OTelEndpoint:         v.GetString("otel_endpoint"),
	}
	return cfg, nil
}

// Validate fails fast on settings every binary needs before it can do
// anything useful. Secret-dependent settings are checked by ApplySecrets.
func (c *Config) Validate() error {
	if c.NATSURL == "" {
		return fmt.Errorf("PIXL_NATS_URL is required")
	}
	if len(c.Queues) == 0 {
		return fmt.Errorf("PIXL_QUEUES is required")
	}
	return nil
}

// ApplySecrets copies credentials read from Vault into the config.
func (c *Config) ApplySecrets(secrets map[string]any) error {
	get := func(key string) (string, error) {
		raw, ok := secrets[key]
		if !ok {
			return "", fmt.Errorf("secret %q not found at %s", key, c.VaultSecretPath)
		}
		s, ok := raw.(string)
		if !ok {
			return "", fmt.Errorf("secret %q is not a string", key)
		}
		return s, nil
	}

	var err error
	if c.PostgresURL == "" {
		if c.PostgresURL, err = get("PG_URL"); err != nil {
			return err
		}
	}
	if c.OrthancRaw.Username, err = get("ORTHANC_RAW_USERNAME"); err != nil {
		return err
	}
	if c.OrthancRaw.Password, err = get("ORTHANC_RAW_PASSWORD"); err != nil {
		return err
	}
	if c.OrthancAnon.Username, err = get("ORTHANC_ANON_USERNAME"); err != nil {
		return err
	}
	if c.OrthancAnon.Password, err = get("ORTHANC_ANON_PASSWORD"); err != nil {
		return err
	}
	if c.Salt == "" {
		if c.Salt, err = get("SALT_VALUE"); err != nil {
			return err
		}
	}
	return nil
}

func splitQueues(s string) []string {
	var out []string
	for _, q := range strings.Split(s, ",") {
		if q = strings.TrimSpace(q); q != "" {
			out = append(out, q)
		}
	}
	return out
}
