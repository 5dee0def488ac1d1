package config

import (
	"fmt"
	"net/url"
)

var knownCodecs = map[string]bool{
	"opus": true,
	"zlib": true,
	"lz4":  true,
}

// Validate returns every problem found. Sizes below their minimum are
// clamped and still reported.
func (c *Config) Validate() []error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, fmt.Errorf("listen address is empty"))
	}
	if c.Serial.Baud <= 0 {
		errs = append(errs, fmt.Errorf("serial.baud %d is not positive", c.Serial.Baud))
	}
	if c.Audio.Enabled && !knownCodecs[c.Audio.Codec] {
		errs = append(errs, fmt.Errorf("audio.codec %q is not opus, zlib or lz4", c.Audio.Codec))
	}
	if c.Audio.Bitrate < 0 {
		errs = append(errs, fmt.Errorf("audio.bitrate %d is negative", c.Audio.Bitrate))
	}
	if (c.TLS.Cert == "") != (c.TLS.Key == "") {
		errs = append(errs, fmt.Errorf("tls.cert and tls.key must be set together"))
	}

	if c.Hub.Capacity < 1 {
		errs = append(errs, fmt.Errorf("hub.capacity %d is below minimum 1, clamping", c.Hub.Capacity))
		c.Hub.Capacity = 1
	}
	if c.Client.JitterChunks < 1 {
		errs = append(errs, fmt.Errorf("client.jitter_chunks %d is below minimum 1, clamping", c.Client.JitterChunks))
		c.Client.JitterChunks = 1
	}

	return errs
}

// ValidateClient checks the settings the listen command depends on.
func (c *Config) ValidateClient() []error {
	var errs []error
	u, err := url.Parse(c.Client.URL)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("client.url %q is not a valid URL: %w", c.Client.URL, err))
	case u.Scheme != "ws" && u.Scheme != "wss" && u.Scheme != "http" && u.Scheme != "https":
		errs = append(errs, fmt.Errorf("client.url scheme must be ws, wss, http or https, got %q", u.Scheme))
	}
	if c.Client.Audio && !knownCodecs[c.Client.Codec] {
		errs = append(errs, fmt.Errorf("client.codec %q is not opus, zlib or lz4", c.Client.Codec))
	}
	return errs
}
