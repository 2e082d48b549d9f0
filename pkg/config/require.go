package config

import (
	"fmt"
	"slices"
	"strings"
)

// Required reports every empty value in one error so a misconfigured
// deployment sees the whole list at once. Keys are env names.
func Required(values map[string]string) error {
	var missing []string
	for name, v := range values {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	slices.Sort(missing)
	return fmt.Errorf("missing required env %s", strings.Join(missing, ", "))
}
