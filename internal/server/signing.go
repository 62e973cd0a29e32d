package server

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	signatureHeader = "X-Releaseline-Signature"
	deliveryIssuer  = "releaseline"
	deliveryTTL     = 5 * time.Minute
)

// DeliveryClaims are carried by the signature header of a webhook delivery.
// BodySHA256 binds the token to the exact request body.
type DeliveryClaims struct {
	EventType  string `json:"event_type"`
	BodySHA256 string `json:"body_sha256"`
	jwt.RegisteredClaims
}

func bodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func signDelivery(secret string, eventID int64, eventType string, body []byte, now time.Time) (string, error) {
	claims := DeliveryClaims{
		EventType:  eventType,
		BodySHA256: bodyDigest(body),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    deliveryIssuer,
			ID:        strconv.FormatInt(eventID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(deliveryTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// VerifyDelivery checks a webhook signature against the shared secret and
// the received body. Receivers call it with the X-Releaseline-Signature value.
func VerifyDelivery(signature, secret string, body []byte) (*DeliveryClaims, error) {
	claims := &DeliveryClaims{}
	token, err := jwt.ParseWithClaims(signature, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithIssuer(deliveryIssuer), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("invalid signature: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid signature")
	}
	if claims.BodySHA256 != bodyDigest(body) {
		return nil, errors.New("invalid signature: body digest mismatch")
	}
	return claims, nil
}
