package payment

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	spltoken "github.com/gagliardetto/solana-go/programs/token"
)

// envelopePayload is the decoded X-Payment header: protocol metadata plus a
// base64-encoded pre-signed transaction.
type envelopePayload struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
	Payload     struct {
		Transaction string `json:"transaction"`
	} `json:"payload"`
}

// decodeEnvelope parses the base64 header into its payload.
func decodeEnvelope(header string) (*envelopePayload, error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("%w: envelope is not valid base64", ErrVerificationFailed)
	}
	var env envelopePayload
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope is not valid JSON", ErrVerificationFailed)
	}
	if env.Payload.Transaction == "" {
		return nil, fmt.Errorf("%w: envelope carries no transaction", ErrVerificationFailed)
	}
	return &env, nil
}

// PayerFromHeader extracts the transfer authority from a raw X-Payment
// header without contacting the facilitator. Used for rate-limit
// accounting before verification.
func PayerFromHeader(header string) (string, error) {
	env, err := decodeEnvelope(header)
	if err != nil {
		return "", err
	}
	return payerFromEnvelope(env)
}

// payerFromEnvelope extracts the effective payer from the envelope's
// transaction: the authority of the transfer instruction, not the fee payer,
// which may belong to the facilitator.
func payerFromEnvelope(env *envelopePayload) (string, error) {
	tx, err := solana.TransactionFromBase64(env.Payload.Transaction)
	if err != nil {
		return "", fmt.Errorf("%w: envelope transaction undecodable", ErrVerificationFailed)
	}
	return payerFromTransaction(tx)
}

// payerFromTransaction walks the instructions looking for a system or token
// transfer and returns its funding authority.
func payerFromTransaction(tx *solana.Transaction) (string, error) {
	for _, inst := range tx.Message.Instructions {
		prog, err := tx.Message.ResolveProgramIDIndex(inst.ProgramIDIndex)
		if err != nil {
			continue
		}

		switch {
		case prog.Equals(solana.SystemProgramID):
			accounts, err := inst.ResolveInstructionAccounts(&tx.Message)
			if err != nil {
				continue
			}
			ix, err := system.DecodeInstruction(accounts, inst.Data)
			if err != nil {
				continue
			}
			if t, ok := ix.Impl.(*system.Transfer); ok {
				return t.GetFundingAccount().PublicKey.String(), nil
			}

		case prog.Equals(solana.TokenProgramID):
			accounts, err := inst.ResolveInstructionAccounts(&tx.Message)
			if err != nil {
				continue
			}
			ix, err := spltoken.DecodeInstruction(accounts, inst.Data)
			if err != nil {
				continue
			}
			switch t := ix.Impl.(type) {
			case *spltoken.Transfer:
				return t.GetOwnerAccount().PublicKey.String(), nil
			case *spltoken.TransferChecked:
				return t.GetOwnerAccount().PublicKey.String(), nil
			}
		}
	}
	return "", fmt.Errorf("%w: no transfer instruction in envelope transaction", ErrVerificationFailed)
}
