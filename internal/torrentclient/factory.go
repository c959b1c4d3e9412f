// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package torrentclient

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const defaultTimeout = 30 * time.Second

// options carry construction knobs shared by all vendors.
type options struct {
	timeout time.Duration
}

// OptFunc customizes adapter construction.
type OptFunc func(*options)

// WithTimeout overrides the default HTTP timeout.
func WithTimeout(d time.Duration) OptFunc {
	return func(o *options) {
		o.timeout = d
	}
}

// clientConfig is a parsed client URL.
//
//	<vendor>+<scheme>://[user:pass@]host[:port][/path][?torrents_dir=...]
//
// deluge URLs take no +scheme part; qbittorrent and rutorrent keep the
// full URL (sans credentials), the rest split into host and port.
type clientConfig struct {
	vendor      string
	scheme      string
	host        string
	port        int
	path        string
	username    string
	password    string
	rawURL      string
	torrentsDir string
}

func parseClientURL(rawURL string) (*clientConfig, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, errors.New("client URL cannot be empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid client URL")
	}
	if u.Scheme == "" {
		return nil, errors.New("client URL must have a scheme")
	}

	parts := strings.SplitN(u.Scheme, "+", 2)
	cfg := &clientConfig{
		vendor:      parts[0],
		path:        u.Path,
		torrentsDir: u.Query().Get("torrents_dir"),
	}
	if u.User != nil {
		cfg.username = u.User.Username()
		cfg.password, _ = u.User.Password()
	}

	switch cfg.vendor {
	case "qbittorrent", "rutorrent":
		if len(parts) != 2 || parts[1] == "" {
			return nil, errors.Errorf("%s URLs need a transport scheme, e.g. %s+http://host:port", cfg.vendor, cfg.vendor)
		}
		cfg.scheme = parts[1]
		cfg.rawURL = fmt.Sprintf("%s://%s%s", parts[1], u.Host, u.Path)
	case "transmission":
		if len(parts) != 2 || parts[1] == "" {
			return nil, errors.New("transmission URLs need a transport scheme, e.g. transmission+http://host:port")
		}
		cfg.scheme = parts[1]
		if err := cfg.splitHostPort(u); err != nil {
			return nil, err
		}
	case "deluge":
		cfg.scheme = "http"
		if err := cfg.splitHostPort(u); err != nil {
			return nil, err
		}
	default:
		return nil, errors.Wrap(ErrUnsupportedVendor, cfg.vendor)
	}
	return cfg, nil
}

func (c *clientConfig) splitHostPort(u *url.URL) error {
	c.host = u.Hostname()
	if port := u.Port(); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return errors.Wrapf(err, "invalid port in client URL")
		}
		c.port = n
	}
	return nil
}

// New builds the adapter for a client URL. label is attached to every
// torrent the adapter injects and is what sweeps use to skip torrents
// nemorosa already added.
func New(rawURL, label string, opts ...OptFunc) (Client, error) {
	cfg, err := parseClientURL(rawURL)
	if err != nil {
		return nil, err
	}

	o := options{timeout: defaultTimeout}
	for _, fn := range opts {
		fn(&o)
	}

	switch cfg.vendor {
	case "transmission":
		return newTransmission(cfg, label, o)
	case "qbittorrent":
		return newQbittorrent(cfg, label, o)
	case "deluge":
		return newDeluge(cfg, label, o)
	default:
		// rutorrent parses but has no adapter.
		return nil, errors.Wrap(ErrUnsupportedVendor, cfg.vendor)
	}
}
