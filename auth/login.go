package auth

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/golang/glog"
)

var validate = validator.New()

type LoginReq struct {
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required"`
}

// LoginHandler issues a token for any non empty username and password.
// Credentials are NOT checked: it serves `/login` and `/register` of the demo only.
func LoginHandler(issuer *Issuer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST only"})
			return
		}

		var req LoginReq
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON body"})
			return
		}
		if err := validate.Struct(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Username and password are required"})
			return
		}

		token, err := issuer.Issue(req.Username)
		if err != nil {
			glog.Errorf("LoginHandler(): issue token error, username: %s, err: %v", req.Username, err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal error"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"token": token})
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
