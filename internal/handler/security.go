package handler

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/platewise/pos/internal/domain/auth"
)

// APIKeyHeader carries the staff API key on capture and delivery endpoints.
const APIKeyHeader = "api_key"

// HashAPIKey derives the stored lookup hash for a raw key. Keys are stored
// peppered, so a leaked api_keys table alone cannot be replayed.
func HashAPIKey(key string, pepper []byte) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

// APIKeyAuth rejects requests without a valid active API key. The lookup is
// by peppered HMAC, so timing reveals nothing about stored keys.
func APIKeyAuth(keys auth.Repository, pepper []byte, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(APIKeyHeader)
		if key == "" {
			writeError(w, http.StatusUnauthorized, "missing api key")
			return
		}
		info, err := keys.FindByHash(r.Context(), HashAPIKey(key, pepper))
		if err != nil {
			if errors.Is(err, auth.ErrKeyNotFound) {
				writeError(w, http.StatusUnauthorized, "invalid api key")
				return
			}
			zctx.From(r.Context()).Error("API key lookup failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "authentication unavailable")
			return
		}
		zctx.From(r.Context()).Debug("API key accepted", zap.String("key_name", info.Name))
		next.ServeHTTP(w, r)
	})
}
