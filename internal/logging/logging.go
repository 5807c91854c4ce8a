// Package logging builds the zap logger shared by the station process.
package logging

import "go.uber.org/zap"

// New returns a production logger for prod environments and a
// development logger otherwise.
func New(env string) (*zap.Logger, error) {
	if env == "production" || env == "prod" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
