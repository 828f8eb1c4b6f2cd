package event

import "github.com/ethereum/go-ethereum/common"

type TransferCertificate struct {
	Meta
	CertificateID uint64
	Owner         common.Address // current owner
	To            common.Address
}

func (t *TransferCertificate) CommandType() CommandType {
	return CommandTypeTransferCertificate
}

// ApproveCertificate sets the single approved spender of a certificate. A
// zero Spender clears it.
type ApproveCertificate struct {
	Meta
	CertificateID uint64
	Spender       common.Address
}

func (a *ApproveCertificate) CommandType() CommandType {
	return CommandTypeApproveCertificate
}

type SetOperator struct {
	Meta
	Operator common.Address
	Approved bool
}

func (s *SetOperator) CommandType() CommandType {
	return CommandTypeSetOperator
}
