package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/tibordp/mail-server/oauth"
)

func (d *Deps) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, oauth.DiscoveryDocument(d.Issuer))
}

type deviceAuthRequest struct {
	ClientID    string `json:"client_id"`
	RedirectURI string `json:"redirect_uri"`
}

// handleDeviceAuth starts a device-authorization grant (RFC 8628 §3.2).
func (d *Deps) handleDeviceAuth(w http.ResponseWriter, r *http.Request) {
	var req deviceAuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ClientID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	code, err := d.OAuth.NewDeviceCode(req.ClientID, req.RedirectURI)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"device_code":               code.DeviceCode,
		"user_code":                 code.UserCode,
		"verification_uri":          d.Issuer + "/auth/code",
		"verification_uri_complete": d.Issuer + "/auth/code?user_code=" + code.UserCode,
		"expires_in":                int(code.Expires.Sub(code.Created).Seconds()),
		"interval":                  int(code.Interval.Seconds()),
	})
}

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	DeviceCode   string `json:"device_code"`
	RefreshToken string `json:"refresh_token"`
}

// handleToken serves POST /auth/token: the device_code grant polls an
// outstanding device code; the refresh_token grant, like any other grant
// type, is answered with unsupported_grant_type.
func (d *Deps) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	switch req.GrantType {
	case "urn:ietf:params:oauth:grant-type:device_code":
		d.pollDeviceCode(w, req.DeviceCode)
	case "refresh_token":
		writeError(w, http.StatusBadRequest, "unsupported_grant_type")
	default:
		writeError(w, http.StatusBadRequest, "unsupported_grant_type")
	}
}

func (d *Deps) pollDeviceCode(w http.ResponseWriter, deviceCode string) {
	result, code := d.OAuth.Poll(deviceCode)
	if result != oauth.Granted {
		writeJSON(w, http.StatusBadRequest, oauth.NewErrorBody(result))
		return
	}
	accessToken, _, err := d.Tokens.IssueAccessToken(code.AccountID())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": accessToken,
		"token_type":   "Bearer",
		"expires_in":   int(d.Tokens.AccessTokenTTL.Seconds()),
	})
}
