package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/viper"

	"github.com/headachemd/emr/internal/platform/emr"
)

// secretKeys may be supplied through the environment instead of the
// providers file, e.g. EMR_PROVIDERS_MODMED_CLIENT_SECRET.
var secretKeys = []string{"client_secret", "private_key"}

// LoadProviders reads the provider registry file. The file has a top-level
// "providers" map keyed by provider id:
//
//	providers:
//	  modmed:
//	    client_id: ...
//	    token_url: https://...
//	    fhir_base_url: https://...
//	    private_key_file: /run/secrets/modmed.pem
//
// Secrets may instead come from EMR_PROVIDERS_<ID>_<KEY> environment variables.
// A missing file yields an empty list.
func LoadProviders(path string) ([]emr.SystemConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("EMR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read providers file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat providers file %s: %w", path, err)
		}
	}

	ids := make([]string, 0)
	for id := range v.GetStringMap("providers") {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	configs := make([]emr.SystemConfig, 0, len(ids))
	for _, id := range ids {
		prefix := "providers." + id
		var sc emr.SystemConfig
		if err := v.UnmarshalKey(prefix, &sc); err != nil {
			return nil, fmt.Errorf("provider %q: %w", id, err)
		}
		sc.ID = id

		for _, k := range secretKeys {
			val := v.GetString(prefix + "." + k)
			if val == "" {
				continue
			}
			switch k {
			case "client_secret":
				sc.ClientSecret = val
			case "private_key":
				sc.PrivateKeyPEM = val
			}
		}
		if sc.PrivateKeyPEM == "" {
			if keyFile := v.GetString(prefix + ".private_key_file"); keyFile != "" {
				pem, err := os.ReadFile(keyFile)
				if err != nil {
					return nil, fmt.Errorf("provider %q: read private_key_file: %w", id, err)
				}
				sc.PrivateKeyPEM = string(pem)
			}
		}
		configs = append(configs, sc)
	}
	return configs, nil
}
