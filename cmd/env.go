package cmd

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/joho/godotenv"

	"github.com/replyflow/internal/config"
)

// ConfigCheckResult holds the result of environment validation
type ConfigCheckResult struct {
	Missing []string          // Required variables that are missing
	Present map[string]string // Variables that are set (masked values)
}

// requiredVars pairs each required setting with the variables that can
// provide it; any one of them satisfies the requirement.
var requiredVars = [][]string{
	{config.EnvPrefix + "DATABASE_URL", "DATABASE_URL"},
	{config.EnvPrefix + "REDIS_ADDR", "REDIS_ADDR"},
}

var optionalVars = []string{
	config.EnvPrefix + "AI_API_KEY",
	config.EnvPrefix + "AI_PROVIDER",
	config.EnvPrefix + "DELIVERY_BASE_URL",
}

// CheckRequiredConfig validates that required environment variables are set
func CheckRequiredConfig() *ConfigCheckResult {
	result := &ConfigCheckResult{
		Missing: []string{},
		Present: make(map[string]string),
	}

	for _, alternatives := range requiredVars {
		found := false
		for _, v := range alternatives {
			if val := os.Getenv(v); val != "" {
				result.Present[v] = maskSecret(val)
				found = true
				break
			}
		}
		if !found {
			result.Missing = append(result.Missing, alternatives[0])
		}
	}

	for _, v := range optionalVars {
		if val := os.Getenv(v); val != "" {
			result.Present[v] = maskSecret(val)
		}
	}

	return result
}

// PrintConfigCheck prints the configuration check results
func PrintConfigCheck(w io.Writer, result *ConfigCheckResult) {
	fmt.Fprintln(w, "=== Environment Check ===")

	if len(result.Missing) > 0 {
		fmt.Fprintln(w, "Missing required variables:")
		for _, v := range result.Missing {
			fmt.Fprintf(w, "   - %s\n", v)
		}
	}

	if len(result.Present) > 0 {
		keys := make([]string, 0, len(result.Present))
		for k := range result.Present {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(w, "Configured variables:")
		for _, k := range keys {
			fmt.Fprintf(w, "   - %s = %s\n", k, result.Present[k])
		}
	}

	if len(result.Missing) == 0 {
		fmt.Fprintln(w, "All required configuration is present")
	}
}

// maskSecret masks a secret value for display, showing only first and last 2 chars
func maskSecret(value string) string {
	if len(value) <= 8 {
		return "****"
	}
	return value[:2] + "****" + value[len(value)-2:]
}

// LoadEnvFile loads environment variables from a file, overwriting existing ones.
func LoadEnvFile(filename string) error {
	return godotenv.Overload(filename)
}
