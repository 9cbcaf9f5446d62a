package auth

import (
	"sort"

	"github.com/labstack/echo/v4"
)

// publicPaths bypass staff authentication. The Paddle webhook authenticates
// with its own signature header instead of a bearer token.
var publicPaths = map[string]bool{
	"/health":         true,
	"/health/db":      true,
	"/health/config":  true,
	"/metrics":        true,
	"/paddle/webhook": true,
}

// AuthSkipper reports whether the request targets a public path.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()] || publicPaths[c.Request().URL.Path]
}

// PublicPaths lists the unauthenticated paths in sorted order. The server
// exempts the same set from rate limiting.
func PublicPaths() []string {
	paths := make([]string, 0, len(publicPaths))
	for p := range publicPaths {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
