package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths bypass authentication and tenant resolution.
var publicPaths = map[string]bool{
	"/health":    true,
	"/health/db": true,
	"/metrics":   true,
}

// AuthSkipper matches on the route pattern so unknown paths still require auth.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}
