// Package jwt implements a Hook that fails an Announce if the client's request
// is missing a valid JSON Web Token.
//
// JWTs are validated against the standard claims in RFC7519 along with an
// extra "peer" claim that verifies the token was issued to the announcing
// peer. RS256 keys are asychronously rotated from a provided JWK Set HTTP
// endpoint.
package jwt

import (
	"context"
	"crypto"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	jc "github.com/SermoDigital/jose/crypto"
	"github.com/SermoDigital/jose/jws"
	"github.com/SermoDigital/jose/jwt"
	"github.com/mendsley/gojwk"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/chihaya/piecetracker/bittorrent"
	"github.com/chihaya/piecetracker/middleware"
	"github.com/chihaya/piecetracker/pkg/log"
	"github.com/chihaya/piecetracker/pkg/stop"
)

// Name is the name by which this middleware is registered.
const Name = "jwt"

const defaultJWKUpdateInterval = 5 * time.Minute

func init() {
	middleware.RegisterDriver(Name, driver{})
}

var _ middleware.Driver = driver{}

type driver struct{}

func (d driver) NewHook(optionBytes []byte) (middleware.Hook, error) {
	var cfg Config
	err := yaml.Unmarshal(optionBytes, &cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid options for middleware %s: %s", Name, err)
	}

	return NewHook(cfg)
}

var (
	// ErrMissingJWT is returned when a JWT is missing from a request.
	ErrMissingJWT = bittorrent.ClientError("unapproved request: missing jwt")

	// ErrInvalidJWT is returned when a JWT fails to verify.
	ErrInvalidJWT = bittorrent.ClientError("unapproved request: invalid jwt")
)

// Config represents all the values required by this middleware to fetch JWKs
// and verify JWTs.
type Config struct {
	Issuer            string        `yaml:"issuer"`
	Audience          string        `yaml:"audience"`
	JWKSetURL         string        `yaml:"jwk_set_url"`
	JWKUpdateInterval time.Duration `yaml:"jwk_set_update_interval"`
}

// LogFields implements log.Fielder for a Config.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"issuer":            cfg.Issuer,
		"audience":          cfg.Audience,
		"JWKSetURL":         cfg.JWKSetURL,
		"JWKUpdateInterval": cfg.JWKUpdateInterval,
	}
}

type hook struct {
	cfg    Config
	client *http.Client

	publicKeysM sync.RWMutex
	publicKeys  map[string]crypto.PublicKey

	closing chan struct{}
	wg      sync.WaitGroup
}

// NewHook returns an instance of the JWT middleware.
//
// The JWK Set is fetched once before NewHook returns and then every
// JWKUpdateInterval.
func NewHook(cfg Config) (middleware.Hook, error) {
	if cfg.JWKSetURL == "" {
		return nil, errors.New("jwt: missing jwk_set_url")
	}
	if cfg.JWKUpdateInterval <= 0 {
		cfg.JWKUpdateInterval = defaultJWKUpdateInterval
		log.Warn("falling back to default configuration", log.Fields{
			"name":    Name + ".JWKUpdateInterval",
			"default": cfg.JWKUpdateInterval,
		})
	}

	log.Debug("creating new JWT middleware", cfg)
	h := &hook{
		cfg:        cfg,
		client:     &http.Client{Timeout: 10 * time.Second},
		publicKeys: map[string]crypto.PublicKey{},
		closing:    make(chan struct{}),
	}

	if err := h.updateKeys(); err != nil {
		log.Error("failed to fetch initial JWK Set", log.Err(err))
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		t := time.NewTicker(cfg.JWKUpdateInterval)
		defer t.Stop()
		for {
			select {
			case <-h.closing:
				return
			case <-t.C:
				if err := h.updateKeys(); err != nil {
					log.Error("failed to update JWK Set", log.Err(err))
				}
			}
		}
	}()

	return h, nil
}

func (h *hook) updateKeys() error {
	resp, err := h.client.Get(h.cfg.JWKSetURL)
	if err != nil {
		return errors.Wrap(err, "failed to fetch JWK Set")
	}
	defer resp.Body.Close()

	parsedJWKs := map[string]gojwk.Key{}
	if err := json.NewDecoder(resp.Body).Decode(&parsedJWKs); err != nil {
		return errors.Wrap(err, "failed to decode JWK JSON")
	}

	keys := map[string]crypto.PublicKey{}
	for kid, parsedJWK := range parsedJWKs {
		publicKey, err := parsedJWK.DecodePublicKey()
		if err != nil {
			log.Error("failed to decode JWK into public key", log.Fields{"kid": kid}, log.Err(err))
			continue
		}
		keys[kid] = publicKey
	}

	h.publicKeysM.Lock()
	h.publicKeys = keys
	h.publicKeysM.Unlock()

	log.Debug("successfully fetched JWK Set", log.Fields{"keys": len(keys)})
	return nil
}

func (h *hook) Stop() stop.Result {
	log.Debug("attempting to shutdown JWT middleware")
	c := make(stop.Channel)
	go func() {
		close(h.closing)
		h.wg.Wait()
		c.Done()
	}()
	return c.Result()
}

func (h *hook) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) (context.Context, error) {
	if req.Token == "" {
		return ctx, ErrMissingJWT
	}

	h.publicKeysM.RLock()
	keys := h.publicKeys
	h.publicKeysM.RUnlock()

	if err := validateJWT(req.PeerID, []byte(req.Token), h.cfg.Issuer, h.cfg.Audience, keys); err != nil {
		log.Debug("rejected announce token", log.Fields{"peerID": req.PeerID}, log.Err(err))
		return ctx, ErrInvalidJWT
	}

	return ctx, nil
}

func validateJWT(id bittorrent.PeerID, jwtBytes []byte, cfgIss, cfgAud string, publicKeys map[string]crypto.PublicKey) error {
	parsedJWT, err := jws.ParseJWT(jwtBytes)
	if err != nil {
		return err
	}

	claims := parsedJWT.Claims()
	if iss, ok := claims.Issuer(); !ok || iss != cfgIss {
		return jwt.ErrInvalidISSClaim
	}

	if aud, ok := claims.Audience(); !ok || !validAudience(aud, cfgAud) {
		return jwt.ErrInvalidAUDClaim
	}

	if peerClaim, ok := claims.Get("peer").(string); !ok || peerClaim != string(id) {
		return errors.New(`claim "peer" is invalid`)
	}

	parsedJWS := parsedJWT.(jws.JWS)
	kid, ok := parsedJWS.Protected().Get("kid").(string)
	if !ok {
		return errors.New("invalid kid")
	}
	publicKey, ok := publicKeys[kid]
	if !ok {
		return errors.New("signed by unknown kid")
	}

	return parsedJWS.Verify(publicKey, jc.SigningMethodRS256)
}

func validAudience(aud []string, cfgAud string) bool {
	for _, a := range aud {
		if a == cfgAud {
			return true
		}
	}
	return false
}
