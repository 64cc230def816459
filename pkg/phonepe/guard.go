package phonepe

import (
	"errors"
	"fmt"
	"strings"
)

// Environment selectors.
const (
	EnvSandbox    = "sandbox"
	EnvProduction = "production"
)

var (
	// ErrMissingCredential indicates a required credential or endpoint is absent.
	ErrMissingCredential = errors.New("phonepe: missing credential")

	// ErrEnvironmentMismatch indicates the configured environment and the
	// endpoint hosts point at different PhonePe environments.
	ErrEnvironmentMismatch = errors.New("phonepe: environment and endpoint do not match")

	// ErrCredentialMismatch indicates the merchant credentials were issued
	// for a different environment than the one being targeted.
	ErrCredentialMismatch = errors.New("phonepe: credentials issued for a different environment")
)

// Config holds everything needed to talk to one PhonePe environment.
// Values are passed explicitly; nothing here reads ambient state.
type Config struct {
	Environment string
	MerchantID  string
	Salts       []Salt
	PayURL      string // full pay endpoint, e.g. https://api.phonepe.com/apis/hermes/pg/v1/pay
	StatusURL   string // status endpoint base, merchant id and txn id appended per call
}

// ValidateEnvironment checks config/credential/endpoint consistency before
// any signed request leaves the process. It fails closed: every violation
// blocks startup rather than risking real charges against a sandbox setup
// or test credentials against production.
func ValidateEnvironment(cfg Config) error {
	if cfg.Environment != EnvSandbox && cfg.Environment != EnvProduction {
		return fmt.Errorf("%w: unknown environment %q", ErrEnvironmentMismatch, cfg.Environment)
	}
	if cfg.MerchantID == "" {
		return fmt.Errorf("%w: merchant id", ErrMissingCredential)
	}
	if len(cfg.Salts) == 0 {
		return fmt.Errorf("%w: salt key", ErrMissingCredential)
	}
	for _, salt := range cfg.Salts {
		if salt.Key == "" {
			return fmt.Errorf("%w: salt key", ErrMissingCredential)
		}
		if salt.Index == "" {
			return fmt.Errorf("%w: salt index", ErrMissingCredential)
		}
	}
	if cfg.PayURL == "" {
		return fmt.Errorf("%w: pay endpoint", ErrMissingCredential)
	}
	if cfg.StatusURL == "" {
		return fmt.Errorf("%w: status endpoint", ErrMissingCredential)
	}

	for _, endpoint := range []string{cfg.PayURL, cfg.StatusURL} {
		if cfg.Environment == EnvProduction && isSandboxHost(endpoint) {
			return fmt.Errorf("%w: production environment with sandbox endpoint %s", ErrEnvironmentMismatch, endpoint)
		}
		if cfg.Environment == EnvSandbox && isProductionHost(endpoint) {
			return fmt.Errorf("%w: sandbox environment with production endpoint %s", ErrEnvironmentMismatch, endpoint)
		}
		if isSandboxMerchant(cfg.MerchantID) && isProductionHost(endpoint) {
			return fmt.Errorf("%w: test merchant %s with production endpoint", ErrCredentialMismatch, cfg.MerchantID)
		}
	}

	if cfg.Environment == EnvProduction && isSandboxMerchant(cfg.MerchantID) {
		return fmt.Errorf("%w: test merchant %s in production environment", ErrCredentialMismatch, cfg.MerchantID)
	}

	return nil
}

func isProductionHost(endpoint string) bool {
	return strings.Contains(endpoint, "api.phonepe.com/apis/hermes")
}

func isSandboxHost(endpoint string) bool {
	return strings.Contains(endpoint, "api-preprod.phonepe.com")
}

// isSandboxMerchant reports whether a merchant id follows PhonePe's
// test-credential naming convention.
func isSandboxMerchant(merchantID string) bool {
	return strings.HasPrefix(merchantID, "PGTEST") || strings.HasPrefix(merchantID, "TEST-")
}
