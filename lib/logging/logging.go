// Package logging provides slog attribute helpers so log fields keep
// consistent keys across components.
package logging

import (
	"fmt"
	"log/slog"
)

func Error(err error) slog.Attr {
	return slog.String("error", err.Error())
}

func Component(cmp any) slog.Attr {
	return slog.String("component", fmt.Sprintf("%T", cmp))
}

func FHIRServer(url string) slog.Attr {
	return slog.String("fhirServer", url)
}

func Resource(resourceType string, id string) slog.Attr {
	return slog.String("resource", resourceType+"/"+id)
}

func Subject(subject string) slog.Attr {
	return slog.String("subject", subject)
}
