package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
)

// SanityCheckTimeout bounds the published catalog check
const SanityCheckTimeout = 10 * time.Second

// SanityCheck requests <baseURL><product>/ and returns an error unless it
// answers 200. Callers treat the error as a warning.
func SanityCheck(ctx context.Context, baseURL, product string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	url := strings.TrimSuffix(baseURL, "/") + "/" + product + "/"
	agent := fiber.Get(url).Timeout(SanityCheckTimeout)

	code, _, errs := agent.Bytes()
	if len(errs) > 0 {
		return 0, fmt.Errorf("sanity check %s: %w", url, errs[0])
	}
	if code != http.StatusOK {
		return code, fmt.Errorf("sanity check %s: got status %d", url, code)
	}
	return code, nil
}
