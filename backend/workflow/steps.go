package workflow

import (
	"fmt"
	"os/exec"
	"sort"
	"strings"
)

// CheckDependencies checks that every required command is on PATH
func CheckDependencies(dependencies []string) error {
	var missing []string
	for _, dep := range dependencies {
		// Parse dependency (format: "command" or "command>=version")
		parts := strings.FieldsFunc(dep, func(r rune) bool {
			return r == '>' || r == '<' || r == '='
		})

		if len(parts) == 0 {
			continue
		}

		command := strings.TrimSpace(parts[0])
		if _, err := exec.LookPath(command); err != nil {
			missing = append(missing, command)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("required dependency not found: %s", strings.Join(missing, ", "))
	}
	return nil
}

// EvaluateCondition evaluates a simple step condition
// Supports comparisons like: "${{ band }} != 'BS_PC_50'"
func EvaluateCondition(condition string, vars Variables) bool {
	if condition == "" {
		return true // No condition means always execute
	}

	condition = SubstituteVariables(condition, vars)
	condition = strings.TrimSpace(condition)

	if left, right, ok := strings.Cut(condition, "!="); ok {
		return unquote(left) != unquote(right)
	}
	if left, right, ok := strings.Cut(condition, "=="); ok {
		return unquote(left) == unquote(right)
	}

	// Boolean check (treat non-empty, non-false as true)
	condition = strings.ToLower(unquote(condition))
	return condition != "" && condition != "false" && condition != "0"
}

func unquote(s string) string {
	return strings.Trim(strings.TrimSpace(s), "'\"")
}

// MergeEnvironment merges environment variable maps
// Priority: stepEnv > recipeEnv > baseEnv
func MergeEnvironment(baseEnv, recipeEnv, stepEnv map[string]string) map[string]string {
	result := make(map[string]string)

	for k, v := range baseEnv {
		result[k] = v
	}
	for k, v := range recipeEnv {
		result[k] = v
	}
	for k, v := range stepEnv {
		result[k] = v
	}

	return result
}

// EnvList renders an environment map as KEY=VALUE pairs in key order
func EnvList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	list := make([]string, 0, len(keys))
	for _, k := range keys {
		list = append(list, fmt.Sprintf("%s=%s", k, env[k]))
	}
	return list
}
