package container

import (
	"crypto"
	"encoding/asn1"
	"errors"
	"fmt"

	"github.com/jeremyhahn/go-signature-trust/pkg/cms"
)

// cmsStrategy produces detached CMS SignedData. PKCS7 is plain SignedData,
// CAdES adds the ESS signing-certificate-v2 attribute and PAdES is CAdES
// without the signing time.
type cmsStrategy struct {
	format      Format
	signingTime bool
	signingCert bool
}

func (s *cmsStrategy) Format() Format {
	return s.format
}

func (s *cmsStrategy) Prepare(req *PrepareRequest) (*Prepared, error) {
	if req.Certificate == nil {
		return nil, cms.ErrCertificateRequired
	}
	profile, err := ParseProfile(string(req.Profile))
	if err != nil {
		return nil, err
	}
	var extra []cms.Attribute
	if s.signingCert {
		attr, err := cms.NewSigningCertificateV2Attr(req.Certificate.Raw)
		if err != nil {
			return nil, err
		}
		extra = append(extra, attr)
	}
	var signingTime = &req.SigningTime
	if !s.signingTime || req.SigningTime.IsZero() {
		signingTime = nil
	}
	builder, err := cms.NewDetached(req.Certificate, req.Hash, req.PayloadDigest, signingTime, extra...)
	if err != nil {
		return nil, err
	}
	if profile.LongTerm() {
		builder.Certificates = req.Chain
	}
	tbs, err := builder.ToBeSigned()
	if err != nil {
		return nil, err
	}
	return &Prepared{
		Format:     s.format,
		Profile:    profile,
		Hash:       req.Hash,
		ToBeSigned: tbs,
		builder:    builder,
	}, nil
}

func (s *cmsStrategy) Wrap(prepared *Prepared, signature []byte) ([]byte, error) {
	if prepared.builder == nil || prepared.Format != s.format {
		return nil, ErrNotPrepared
	}
	return prepared.builder.Assemble(signature)
}

func (s *cmsStrategy) SignatureValue(container []byte) ([]byte, error) {
	sd, err := s.parse(container)
	if err != nil {
		return nil, err
	}
	return sd.SignatureValue(), nil
}

func (s *cmsStrategy) EmbedTimestamp(container, token []byte, profile Profile) ([]byte, error) {
	sd, err := s.parse(container)
	if err != nil {
		return nil, err
	}
	sd.AddUnsignedAttribute(cms.NewRawAttribute(cms.OIDSignatureTimeStampToken, token))
	if profile.LongTerm() {
		certs, err := timestampCertificates(token)
		if err != nil {
			return nil, err
		}
		if err := sd.AddCertificates(certs...); err != nil {
			return nil, err
		}
	}
	return sd.Marshal()
}

// The archive timestamp covers the complete DER container as it stands
// before the archive attribute is added
func (s *cmsStrategy) ArchiveDigest(container []byte, hash crypto.Hash) ([]byte, error) {
	sd, err := s.parse(container)
	if err != nil {
		return nil, err
	}
	if _, ok := cms.FindAttribute(sd.SignerInfos[0].UnsignedAttrs, cms.OIDArchiveTimestampV3); ok {
		return nil, ErrAlreadyArchived
	}
	return cms.Digest(hash, container)
}

func (s *cmsStrategy) EmbedArchiveTimestamp(container, token []byte) ([]byte, error) {
	sd, err := s.parse(container)
	if err != nil {
		return nil, err
	}
	if _, ok := cms.FindAttribute(sd.SignerInfos[0].UnsignedAttrs, cms.OIDArchiveTimestampV3); ok {
		return nil, ErrAlreadyArchived
	}
	sd.AddUnsignedAttribute(cms.NewRawAttribute(cms.OIDArchiveTimestampV3, token))
	return sd.Marshal()
}

func (s *cmsStrategy) Verify(container, payload []byte) (*Verification, error) {
	sd, err := s.parse(container)
	if err != nil {
		return nil, err
	}
	result, err := sd.Verify(payload, nil)
	if err != nil {
		switch {
		case errors.Is(err, cms.ErrMessageDigestMismatch):
			return nil, fmt.Errorf("%w: %s", ErrDigestMismatch, err)
		case errors.Is(err, cms.ErrMissingSignerCert), errors.Is(err, cms.ErrInvalidSignedData):
			return nil, fmt.Errorf("%w: %s", ErrInvalidContainer, err)
		}
		return nil, fmt.Errorf("%w: %s", ErrSignatureInvalid, err)
	}
	v := &Verification{
		Format:      s.format,
		Profile:     PROFILE_B,
		Signer:      result.Certificate,
		SigningTime: result.SigningTime,
	}
	si := sd.SignerInfos[0]
	if s.signingCert {
		if err := checkSigningCertificate(si.SignedAttrs, result.Certificate.Raw); err != nil {
			return nil, err
		}
	}

	token, ok := cms.FindAttribute(si.UnsignedAttrs, cms.OIDSignatureTimeStampToken)
	if !ok {
		return v, nil
	}
	if v.TimestampTime, err = verifyTimestamp(token.FullBytes, si.Signature); err != nil {
		return nil, err
	}
	v.Profile = PROFILE_T
	certs, err := sd.CertificateList()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidContainer, err)
	}
	if len(certs) > 1 {
		v.Profile = PROFILE_LT
	}

	archive, ok := cms.FindAttribute(si.UnsignedAttrs, cms.OIDArchiveTimestampV3)
	if !ok {
		return v, nil
	}
	sd.SignerInfos[0].UnsignedAttrs = withoutAttribute(si.UnsignedAttrs, cms.OIDArchiveTimestampV3)
	covered, err := sd.Marshal()
	if err != nil {
		return nil, err
	}
	if v.ArchiveTimestamp, err = verifyTimestamp(archive.FullBytes, covered); err != nil {
		return nil, err
	}
	v.Profile = PROFILE_LTA
	return v, nil
}

func (s *cmsStrategy) parse(container []byte) (*cms.SignedData, error) {
	sd, err := cms.Parse(container)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidContainer, err)
	}
	return sd, nil
}

func checkSigningCertificate(attrs []cms.Attribute, certDER []byte) error {
	want, err := cms.NewSigningCertificateV2Attr(certDER)
	if err != nil {
		return err
	}
	got, ok := cms.FindAttribute(attrs, cms.OIDSigningCertificateV2)
	if !ok {
		return fmt.Errorf("%w: signing certificate attribute missing", ErrInvalidContainer)
	}
	if string(got.FullBytes) != string(want.Values[0].FullBytes) {
		return fmt.Errorf("%w: signing certificate does not match signer", ErrSignatureInvalid)
	}
	return nil
}

func withoutAttribute(attrs []cms.Attribute, oid asn1.ObjectIdentifier) []cms.Attribute {
	var kept []cms.Attribute
	for _, attr := range attrs {
		if !attr.Type.Equal(oid) {
			kept = append(kept, attr)
		}
	}
	return kept
}
