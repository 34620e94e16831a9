// Package safe wraps goroutine bodies so a single panicking worker cannot
// take down the whole crawl process.
package safe

import (
	"github.com/jonesrussell/newscrawl/internal/logger"
)

// Go runs fn in a new goroutine, recovering any panic and logging it
// instead of letting it crash the process.
func Go(log logger.Logger, name string, fn func()) {
	go run(log, name, fn)
}

func run(log logger.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("recovered panic in background goroutine",
				logger.String("goroutine", name),
				logger.Any("panic", r),
			)
		}
	}()
	fn()
}
