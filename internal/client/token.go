package client

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	appErrors "github.com/podiumlabs/podium-uploader/pkg/errors"
)

// TokenExpiry reads the expiry claim out of a bearer token without
// verifying its signature. Long batch runs use it to warn before the
// token dies mid-upload. A token without an exp claim returns the zero
// time and no error.
func TokenExpiry(raw string) (time.Time, error) {
	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "parse api token")
	}

	exp, err := token.Claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "read token expiry")
	}
	if exp == nil {
		return time.Time{}, nil
	}
	return exp.Time, nil
}
