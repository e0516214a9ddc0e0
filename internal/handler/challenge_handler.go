package handler

import (
	"errors"
	"net/http"

	"foliochat/internal/pkg/errs"
	"foliochat/internal/pkg/pow"
	"foliochat/internal/pkg/req"
	"foliochat/internal/pkg/resp"
)

// Challenge is the data of GET /auth/v1/challenge.
type Challenge struct {
	Nonce      string `json:"nonce"`
	Difficulty int    `json:"difficulty"`
}

type SolveInput struct {
	Nonce   string `json:"nonce"`
	Counter string `json:"counter"`
}

// HandleGetChallenge issues a proof-of-work nonce.
func HandleGetChallenge(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.PoW == nil {
			resp.RespondError(w, r, errs.NewError(errs.ErrInvalidParams))
			return
		}

		resp.RespondSuccess(w, r, Challenge{
			Nonce:      deps.PoW.GenerateNonce(),
			Difficulty: deps.PoW.Difficulty(),
		})
	}
}

// HandleSolveChallenge exchanges a solved nonce for a single-use proof token.
func HandleSolveChallenge(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.PoW == nil {
			resp.RespondError(w, r, errs.NewError(errs.ErrInvalidParams))
			return
		}

		var input SolveInput
		if customErr := req.BindJSON(w, r, &input); customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		token, err := deps.PoW.ValidateProof(input.Nonce, input.Counter)
		if err != nil {
			code := errs.ErrPowChallengeInvalid
			if errors.Is(err, pow.ErrNonceInvalid) {
				code = errs.ErrPowChallengeRequired
			}
			resp.RespondError(w, r, errs.NewError(code))
			return
		}

		resp.RespondSuccess(w, r, map[string]string{"token": token})
	}
}
