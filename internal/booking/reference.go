package booking

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/sirupsen/logrus"
)

// Reference prefixes.
const (
	PrefixBooking     = "BK"
	PrefixHold        = "INQ"
	PrefixCertificate = "CERT"
)

const (
	maxReferenceAttempts = 10
	suffixMin            = 1000
	suffixMax            = 99999
)

// ExistsFunc reports whether a reference is already taken.  Inside a
// booking transaction it is SessionTx.ReferenceExists.
type ExistsFunc func(ctx context.Context, ref string) (bool, error)

// ReferenceGenerator builds human-readable codes such as BK25031234.
type ReferenceGenerator struct {
	now         func() time.Time
	rand        io.Reader
	maxAttempts int
	log         logrus.FieldLogger
}

func NewReferenceGenerator(now func() time.Time, log logrus.FieldLogger) *ReferenceGenerator {
	return &ReferenceGenerator{now: now, rand: rand.Reader, maxAttempts: maxReferenceAttempts, log: log}
}

// Generate returns prefix + YY + MM + a random 4 to 5 digit suffix that
// exists reports as free.  After ten collisions it gives up with
// ErrReferenceExhausted.
func (g *ReferenceGenerator) Generate(ctx context.Context, prefix string, exists ExistsFunc) (string, error) {
	if prefix == "" {
		return "", fmt.Errorf("%w: reference prefix is required", ErrInvalidArgument)
	}
	stamp := g.now().Format("0601")
	span := big.NewInt(suffixMax - suffixMin + 1)
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		n, err := rand.Int(g.rand, span)
		if err != nil {
			return "", fmt.Errorf("%w: reference entropy: %v", ErrInternal, err)
		}
		ref := fmt.Sprintf("%s%s%d", prefix, stamp, n.Int64()+suffixMin)
		taken, err := exists(ctx, ref)
		if err != nil {
			return "", err
		}
		if !taken {
			return ref, nil
		}
		g.log.WithFields(logrus.Fields{"reference": ref, "attempt": attempt}).Debug("reference collision")
	}
	g.log.WithFields(logrus.Fields{"prefix": prefix, "attempts": g.maxAttempts}).
		Error("reference space exhausted; collision rate too high for prefix")
	return "", fmt.Errorf("%w: prefix %s after %d attempts", ErrReferenceExhausted, prefix, g.maxAttempts)
}
