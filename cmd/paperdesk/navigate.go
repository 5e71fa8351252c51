package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/erauner12/paperdesk/internal/client"
)

// errRedirected reports that the command ended by navigating elsewhere.
var errRedirected = errors.New("session expired")

// navigate performs the shell's side of a session expiry: the request
// pipeline only reports it, the shell decides where the user goes next.
func navigate(w io.Writer, err error) error {
	var expired client.ErrSessionExpired
	if !errors.As(err, &expired) {
		return err
	}
	if expired.Redirect {
		fmt.Fprintf(w, "Your session has expired. Redirecting to %s: run `paperdesk login`.\n", expired.EntryPoint)
	} else {
		fmt.Fprintln(w, "Your session has expired. Please log in again.")
	}
	return errRedirected
}

// shellError turns pipeline failures into what the user should do next.
func shellError(w io.Writer, err error) error {
	if err == nil {
		return nil
	}
	if client.IsSessionExpired(err) {
		return navigate(w, err)
	}
	if client.IsNetwork(err) {
		return fmt.Errorf("cannot reach the paperdesk service, check your connection and retry: %w", err)
	}
	return err
}
