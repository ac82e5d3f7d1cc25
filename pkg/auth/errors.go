package auth

import (
	sserr "github.com/StricklySoft/authgate/pkg/errors"
)

// Kind classifies why a request was rejected. Every error returned by the
// auth components maps to exactly one Kind through [KindOf].
type Kind string

const (
	// KindNone is the Kind of a nil error.
	KindNone Kind = ""

	// Token validation kinds. These are terminal and never retried.
	KindMalformed    Kind = "malformed"
	KindUnknownKey   Kind = "unknown_key"
	KindBadSignature Kind = "bad_signature"
	KindClaimInvalid Kind = "claim_invalid"

	// KindMissingCredential means neither a bearer token nor an assertion
	// was presented.
	KindMissingCredential Kind = "missing_credential"

	// KindUntrustedOrigin means assertion headers came from an origin that
	// is not allow-listed.
	KindUntrustedOrigin Kind = "untrusted_origin"

	// External dependency kinds. The request fails, shared caches keep
	// their previous state.
	KindKeyFetchFailed  Kind = "key_fetch_failed"
	KindResolutionError Kind = "resolution_error"

	// KindInternal covers everything else.
	KindInternal Kind = "internal"
)

// Claim failure reasons, carried in the "reason" detail of
// [sserr.CodeTokenClaimInvalid] errors.
const (
	ReasonExpired       = "expired"
	ReasonNotYetValid   = "not_yet_valid"
	ReasonIssuer        = "issuer"
	ReasonAudience      = "audience"
	ReasonMissingExpiry = "missing_exp"
	ReasonSubject       = "subject"
	ReasonTokenUse      = "token_use"
	ReasonInvalid       = "invalid"
)

var kindByCode = map[sserr.Code]Kind{
	sserr.CodeTokenMalformed:    KindMalformed,
	sserr.CodeTokenUnknownKey:   KindUnknownKey,
	sserr.CodeTokenBadSignature: KindBadSignature,
	sserr.CodeTokenClaimInvalid: KindClaimInvalid,
	sserr.CodeCredentialMissing: KindMissingCredential,
	sserr.CodeUntrustedOrigin:   KindUntrustedOrigin,
	sserr.CodeKeyFetchFailed:    KindKeyFetchFailed,
	sserr.CodeResolutionFailed:  KindResolutionError,
}

// KindOf returns the rejection kind of err.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	if k, ok := kindByCode[sserr.GetCode(err)]; ok {
		return k
	}
	return KindInternal
}

// ClaimReason returns which claim failed for a KindClaimInvalid error, or "".
func ClaimReason(err error) string {
	e, ok := sserr.AsError(err)
	if !ok || e.Code != sserr.CodeTokenClaimInvalid {
		return ""
	}
	return e.Detail("reason")
}

func errMalformed(message string, cause error) *sserr.Error {
	if cause != nil {
		return sserr.Wrap(cause, sserr.CodeTokenMalformed, "auth: "+message)
	}
	return sserr.New(sserr.CodeTokenMalformed, "auth: "+message)
}

func errClaimInvalid(reason, message string, cause error) *sserr.Error {
	e := &sserr.Error{Code: sserr.CodeTokenClaimInvalid, Message: "auth: " + message, Cause: cause}
	return e.WithDetail("reason", reason)
}
