package userapi

import (
	"net/http"

	"github.com/onefuzz/controlplane/pkg/auth"
	"github.com/onefuzz/controlplane/pkg/types"
)

// userInfoFromRequest stamps a new/mutated entity with the caller's
// identity. Subject is the JWT subject pkg/auth issues
// user tokens with; there is no separate application/object id split
// in this token shape, so both fields carry the same value.
func userInfoFromRequest(r *http.Request) types.UserInfo {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		return types.UserInfo{}
	}
	return types.UserInfo{ObjectID: claims.Subject, Upn: claims.Subject}
}
