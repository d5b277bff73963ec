// Package varinterval implements a Hook that randomly lengthens the announce
// interval handed to peers, spreading their announces over time.
package varinterval

import (
	"context"
	"time"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/chihaya/piecetracker/bittorrent"
	"github.com/chihaya/piecetracker/middleware"
	"github.com/chihaya/piecetracker/middleware/pkg/random"
)

// Name is the name by which this middleware is registered.
const Name = "interval variation"

func init() {
	middleware.RegisterDriver(Name, driver{})
}

var _ middleware.Driver = driver{}

type driver struct{}

func (d driver) NewHook(optionBytes []byte) (middleware.Hook, error) {
	var cfg Config
	err := yaml.Unmarshal(optionBytes, &cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid options for middleware %s", Name)
	}

	return NewHook(cfg)
}

// ErrInvalidModifyResponseProbability is returned for a config with an invalid
// ModifyResponseProbability.
var ErrInvalidModifyResponseProbability = errors.New("invalid modify_response_probability")

// ErrInvalidMaxIncreaseDelta is returned for a config with an invalid
// MaxIncreaseDelta.
var ErrInvalidMaxIncreaseDelta = errors.New("invalid max_increase_delta")

// ErrInvalidMaxInterval is returned for a config with a negative MaxInterval.
var ErrInvalidMaxInterval = errors.New("invalid max_interval")

// Config represents the configuration for the varinterval middleware.
type Config struct {
	// ModifyResponseProbability is the probability by which a response will
	// be modified.
	ModifyResponseProbability float32 `yaml:"modify_response_probability"`

	// MaxIncreaseDelta is the amount of seconds that will be added at most.
	MaxIncreaseDelta int `yaml:"max_increase_delta"`

	// ModifyMinInterval specifies whether min_interval should be increased
	// as well.
	ModifyMinInterval bool `yaml:"modify_min_interval"`

	// MaxInterval caps the modified interval. Zero means no cap.
	MaxInterval time.Duration `yaml:"max_interval"`
}

func checkConfig(cfg Config) error {
	if cfg.ModifyResponseProbability <= 0 || cfg.ModifyResponseProbability > 1 {
		return ErrInvalidModifyResponseProbability
	}

	if cfg.MaxIncreaseDelta <= 0 {
		return ErrInvalidMaxIncreaseDelta
	}

	if cfg.MaxInterval < 0 {
		return ErrInvalidMaxInterval
	}

	return nil
}

type hook struct {
	cfg Config
}

// NewHook creates a middleware to randomly modify the announce interval from
// the given config.
//
// The interval only ever grows, up to MaxInterval when one is set.
func NewHook(cfg Config) (middleware.Hook, error) {
	if err := checkConfig(cfg); err != nil {
		return nil, err
	}

	h := &hook{
		cfg: cfg,
	}
	return h, nil
}

func (h *hook) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) (context.Context, error) {
	s0, s1 := random.DeriveEntropyFromRequest(req)
	// Generate a probability p < 1.0.
	v, s0, s1 := random.Intn(s0, s1, 1<<24)
	p := float32(v) / (1 << 24)
	if h.cfg.ModifyResponseProbability == 1 || p < h.cfg.ModifyResponseProbability {
		// Generate the increase delta.
		v, _, _ = random.Intn(s0, s1, h.cfg.MaxIncreaseDelta)
		deltaDuration := time.Duration(v+1) * time.Second

		if limit := h.cfg.MaxInterval; limit > 0 && resp.Interval+deltaDuration > limit {
			deltaDuration = limit - resp.Interval
			if deltaDuration <= 0 {
				return ctx, nil
			}
		}

		resp.Interval += deltaDuration

		if h.cfg.ModifyMinInterval {
			resp.MinInterval += deltaDuration
		}
	}

	return ctx, nil
}
