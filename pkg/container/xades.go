package container

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jeremyhahn/go-signature-trust/pkg/cms"
	"github.com/jeremyhahn/go-signature-trust/pkg/store/keystore"
)

const (
	nsDS       = "http://www.w3.org/2000/09/xmldsig#"
	nsXAdES    = "http://uri.etsi.org/01903/v1.3.2#"
	nsXAdES141 = "http://uri.etsi.org/01903/v1.4.1#"

	algExcC14N           = "http://www.w3.org/2001/10/xml-exc-c14n#"
	typeSignedProperties = "http://uri.etsi.org/01903#SignedProperties"
)

// Attribute escaping of canonical XML
var attrEscaper = strings.NewReplacer(
	"&", "&amp;", "<", "&lt;", `"`, "&quot;", "\t", "&#x9;", "\n", "&#xA;", "\r", "&#xD;")

// xadesSignature is the model of a detached XAdES signature. The signed
// parts (SignedInfo and SignedProperties) are always emitted in their
// exclusive canonical form so the bytes that are digested and signed are
// the bytes in the document.
type xadesSignature struct {
	ID                string
	DocumentURI       string
	Hash              crypto.Hash
	SignatureMethod   string
	PayloadDigest     []byte
	SigningTime       time.Time
	CertDigest        []byte
	Certificate       []byte
	SignatureValue    []byte
	Timestamp         []byte
	CertificateValues [][]byte
	ArchiveTimestamp  []byte
}

type xadesStrategy struct{}

func (s *xadesStrategy) Format() Format {
	return FORMAT_XADES
}

func (s *xadesStrategy) Prepare(req *PrepareRequest) (*Prepared, error) {
	if req.Certificate == nil {
		return nil, cms.ErrCertificateRequired
	}
	profile, err := ParseProfile(string(req.Profile))
	if err != nil {
		return nil, err
	}
	method, err := signatureMethodURI(req.Certificate.PublicKey, req.Hash)
	if err != nil {
		return nil, err
	}
	certDigest, err := cms.Digest(crypto.SHA256, req.Certificate.Raw)
	if err != nil {
		return nil, err
	}
	signingTime := req.SigningTime
	if signingTime.IsZero() {
		signingTime = time.Now()
	}
	documentURI := req.DocumentID
	if documentURI == "" {
		documentURI = "document"
	}
	x := &xadesSignature{
		ID:              "xades-" + uuid.NewString(),
		DocumentURI:     documentURI,
		Hash:            req.Hash,
		SignatureMethod: method,
		PayloadDigest:   req.PayloadDigest,
		SigningTime:     signingTime.UTC().Truncate(time.Second),
		CertDigest:      certDigest,
		Certificate:     req.Certificate.Raw,
	}
	if profile.LongTerm() {
		for _, cert := range req.Chain {
			x.CertificateValues = append(x.CertificateValues, cert.Raw)
		}
	}
	tbs, err := x.signedInfo()
	if err != nil {
		return nil, err
	}
	return &Prepared{
		Format:     FORMAT_XADES,
		Profile:    profile,
		Hash:       req.Hash,
		ToBeSigned: tbs,
		xades:      x,
	}, nil
}

func (s *xadesStrategy) Wrap(prepared *Prepared, signature []byte) ([]byte, error) {
	if prepared.xades == nil {
		return nil, ErrNotPrepared
	}
	cert, err := x509.ParseCertificate(prepared.xades.Certificate)
	if err != nil {
		return nil, err
	}
	// XMLDSig carries ECDSA signatures as r || s
	if pub, ok := cert.PublicKey.(*ecdsa.PublicKey); ok {
		if signature, err = ecdsaToRaw(signature, pub); err != nil {
			return nil, err
		}
	}
	prepared.xades.SignatureValue = signature
	return prepared.xades.render()
}

func (s *xadesStrategy) SignatureValue(container []byte) ([]byte, error) {
	x, err := parseXAdES(container)
	if err != nil {
		return nil, err
	}
	return x.SignatureValue, nil
}

func (s *xadesStrategy) EmbedTimestamp(container, token []byte, profile Profile) ([]byte, error) {
	x, err := parseXAdES(container)
	if err != nil {
		return nil, err
	}
	x.Timestamp = token
	if profile.LongTerm() {
		certs, err := timestampCertificates(token)
		if err != nil {
			return nil, err
		}
		for _, cert := range certs {
			x.addCertificateValue(cert.Raw)
		}
	}
	return x.render()
}

func (s *xadesStrategy) ArchiveDigest(container []byte, hash crypto.Hash) ([]byte, error) {
	x, err := parseXAdES(container)
	if err != nil {
		return nil, err
	}
	if len(x.ArchiveTimestamp) > 0 {
		return nil, ErrAlreadyArchived
	}
	rendered, err := x.render()
	if err != nil {
		return nil, err
	}
	return cms.Digest(hash, rendered)
}

func (s *xadesStrategy) EmbedArchiveTimestamp(container, token []byte) ([]byte, error) {
	x, err := parseXAdES(container)
	if err != nil {
		return nil, err
	}
	if len(x.ArchiveTimestamp) > 0 {
		return nil, ErrAlreadyArchived
	}
	x.ArchiveTimestamp = token
	return x.render()
}

func (s *xadesStrategy) Verify(container, payload []byte) (*Verification, error) {
	x, err := parseXAdES(container)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(x.Certificate)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidContainer, err)
	}

	digest, err := cms.Digest(x.Hash, payload)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(digest, x.PayloadDigest) {
		return nil, ErrDigestMismatch
	}
	certDigest, err := cms.Digest(crypto.SHA256, cert.Raw)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(certDigest, x.CertDigest) {
		return nil, fmt.Errorf("%w: signing certificate does not match signer", ErrSignatureInvalid)
	}
	method, err := signatureMethodURI(cert.PublicKey, x.Hash)
	if err != nil {
		return nil, err
	}
	if method != x.SignatureMethod {
		return nil, fmt.Errorf("%w: signature method %s", ErrSignatureInvalid, x.SignatureMethod)
	}

	signedInfo, err := x.signedInfo()
	if err != nil {
		return nil, err
	}
	signature := x.SignatureValue
	if _, ok := cert.PublicKey.(*ecdsa.PublicKey); ok {
		if signature, err = ecdsaFromRaw(signature); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrSignatureInvalid, err)
		}
	}
	algorithm, err := keystore.AlgorithmOf(cert.PublicKey)
	if err != nil {
		return nil, err
	}
	if err := keystore.Verify(cert.PublicKey, algorithm, x.Hash, signedInfo, signature); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSignatureInvalid, err)
	}

	signingTime := x.SigningTime
	v := &Verification{
		Format:      FORMAT_XADES,
		Profile:     PROFILE_B,
		Signer:      cert,
		SigningTime: &signingTime,
	}
	if len(x.Timestamp) == 0 {
		return v, nil
	}
	if v.TimestampTime, err = verifyTimestamp(x.Timestamp, x.SignatureValue); err != nil {
		return nil, err
	}
	v.Profile = PROFILE_T
	if len(x.CertificateValues) > 0 {
		v.Profile = PROFILE_LT
	}
	if len(x.ArchiveTimestamp) == 0 {
		return v, nil
	}
	archive := x.ArchiveTimestamp
	x.ArchiveTimestamp = nil
	covered, err := x.render()
	if err != nil {
		return nil, err
	}
	if v.ArchiveTimestamp, err = verifyTimestamp(archive, covered); err != nil {
		return nil, err
	}
	v.Profile = PROFILE_LTA
	return v, nil
}

func (x *xadesSignature) propertiesID() string {
	return x.ID + "-signedprops"
}

func (x *xadesSignature) addCertificateValue(der []byte) {
	for _, existing := range x.CertificateValues {
		if bytes.Equal(existing, der) {
			return
		}
	}
	x.CertificateValues = append(x.CertificateValues, der)
}

func (x *xadesSignature) signedProperties() (string, error) {
	digestMethod, err := digestMethodURI(crypto.SHA256)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, `<xades:SignedProperties xmlns:xades="%s" Id="%s">`, nsXAdES, attrEscaper.Replace(x.propertiesID()))
	b.WriteString(`<xades:SignedSignatureProperties>`)
	fmt.Fprintf(&b, `<xades:SigningTime>%s</xades:SigningTime>`, x.SigningTime.UTC().Format(time.RFC3339))
	b.WriteString(`<xades:SigningCertificateV2><xades:Cert><xades:CertDigest>`)
	fmt.Fprintf(&b, `<ds:DigestMethod xmlns:ds="%s" Algorithm="%s"></ds:DigestMethod>`, nsDS, digestMethod)
	fmt.Fprintf(&b, `<ds:DigestValue xmlns:ds="%s">%s</ds:DigestValue>`, nsDS, base64.StdEncoding.EncodeToString(x.CertDigest))
	b.WriteString(`</xades:CertDigest></xades:Cert></xades:SigningCertificateV2>`)
	b.WriteString(`</xades:SignedSignatureProperties></xades:SignedProperties>`)
	return b.String(), nil
}

func (x *xadesSignature) signedInfo() ([]byte, error) {
	digestMethod, err := digestMethodURI(x.Hash)
	if err != nil {
		return nil, err
	}
	props, err := x.signedProperties()
	if err != nil {
		return nil, err
	}
	propsDigest, err := cms.Digest(x.Hash, []byte(props))
	if err != nil {
		return nil, err
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, `<ds:SignedInfo xmlns:ds="%s">`, nsDS)
	fmt.Fprintf(&b, `<ds:CanonicalizationMethod Algorithm="%s"></ds:CanonicalizationMethod>`, algExcC14N)
	fmt.Fprintf(&b, `<ds:SignatureMethod Algorithm="%s"></ds:SignatureMethod>`, x.SignatureMethod)
	fmt.Fprintf(&b, `<ds:Reference Id="%s" URI="%s">`,
		attrEscaper.Replace(x.ID+"-ref0"), attrEscaper.Replace(x.DocumentURI))
	fmt.Fprintf(&b, `<ds:DigestMethod Algorithm="%s"></ds:DigestMethod>`, digestMethod)
	fmt.Fprintf(&b, `<ds:DigestValue>%s</ds:DigestValue></ds:Reference>`, base64.StdEncoding.EncodeToString(x.PayloadDigest))
	fmt.Fprintf(&b, `<ds:Reference Type="%s" URI="#%s">`, typeSignedProperties, attrEscaper.Replace(x.propertiesID()))
	fmt.Fprintf(&b, `<ds:DigestMethod Algorithm="%s"></ds:DigestMethod>`, digestMethod)
	fmt.Fprintf(&b, `<ds:DigestValue>%s</ds:DigestValue></ds:Reference>`, base64.StdEncoding.EncodeToString(propsDigest))
	b.WriteString(`</ds:SignedInfo>`)
	return b.Bytes(), nil
}

func (x *xadesSignature) render() ([]byte, error) {
	signedInfo, err := x.signedInfo()
	if err != nil {
		return nil, err
	}
	props, err := x.signedProperties()
	if err != nil {
		return nil, err
	}
	id := attrEscaper.Replace(x.ID)
	var b bytes.Buffer
	b.WriteString(xml.Header[:len(xml.Header)-1])
	fmt.Fprintf(&b, `<ds:Signature xmlns:ds="%s" Id="%s">`, nsDS, id)
	b.Write(signedInfo)
	fmt.Fprintf(&b, `<ds:SignatureValue Id="%s-sigvalue">%s</ds:SignatureValue>`,
		id, base64.StdEncoding.EncodeToString(x.SignatureValue))
	fmt.Fprintf(&b, `<ds:KeyInfo><ds:X509Data><ds:X509Certificate>%s</ds:X509Certificate></ds:X509Data></ds:KeyInfo>`,
		base64.StdEncoding.EncodeToString(x.Certificate))
	fmt.Fprintf(&b, `<ds:Object><xades:QualifyingProperties xmlns:xades="%s" Target="#%s">`, nsXAdES, id)
	b.WriteString(props)
	if len(x.Timestamp) > 0 || len(x.CertificateValues) > 0 || len(x.ArchiveTimestamp) > 0 {
		b.WriteString(`<xades:UnsignedProperties><xades:UnsignedSignatureProperties>`)
		if len(x.Timestamp) > 0 {
			fmt.Fprintf(&b, `<xades:SignatureTimeStamp Id="%s-sigts">`, id)
			fmt.Fprintf(&b, `<ds:CanonicalizationMethod Algorithm="%s"></ds:CanonicalizationMethod>`, algExcC14N)
			fmt.Fprintf(&b, `<xades:EncapsulatedTimeStamp>%s</xades:EncapsulatedTimeStamp>`,
				base64.StdEncoding.EncodeToString(x.Timestamp))
			b.WriteString(`</xades:SignatureTimeStamp>`)
		}
		if len(x.CertificateValues) > 0 {
			b.WriteString(`<xades:CertificateValues>`)
			for _, der := range x.CertificateValues {
				fmt.Fprintf(&b, `<xades:EncapsulatedX509Certificate>%s</xades:EncapsulatedX509Certificate>`,
					base64.StdEncoding.EncodeToString(der))
			}
			b.WriteString(`</xades:CertificateValues>`)
		}
		if len(x.ArchiveTimestamp) > 0 {
			fmt.Fprintf(&b, `<xadesv141:ArchiveTimeStamp xmlns:xadesv141="%s" Id="%s-archts">`, nsXAdES141, id)
			fmt.Fprintf(&b, `<xades:EncapsulatedTimeStamp>%s</xades:EncapsulatedTimeStamp>`,
				base64.StdEncoding.EncodeToString(x.ArchiveTimestamp))
			b.WriteString(`</xadesv141:ArchiveTimeStamp>`)
		}
		b.WriteString(`</xades:UnsignedSignatureProperties></xades:UnsignedProperties>`)
	}
	b.WriteString(`</xades:QualifyingProperties></ds:Object></ds:Signature>`)
	return b.Bytes(), nil
}

type xmlAlgorithm struct {
	Algorithm string `xml:"Algorithm,attr"`
}

type xmlReference struct {
	ID           string       `xml:"Id,attr"`
	Type         string       `xml:"Type,attr"`
	URI          string       `xml:"URI,attr"`
	DigestMethod xmlAlgorithm `xml:"DigestMethod"`
	DigestValue  string       `xml:"DigestValue"`
}

type xmlSignature struct {
	XMLName         xml.Name       `xml:"Signature"`
	ID              string         `xml:"Id,attr"`
	SignatureMethod xmlAlgorithm   `xml:"SignedInfo>SignatureMethod"`
	References      []xmlReference `xml:"SignedInfo>Reference"`
	SignatureValue  string         `xml:"SignatureValue"`
	Certificate     string         `xml:"KeyInfo>X509Data>X509Certificate"`
	Properties      struct {
		Target string `xml:"Target,attr"`
		Signed struct {
			ID          string `xml:"Id,attr"`
			SigningTime string `xml:"SignedSignatureProperties>SigningTime"`
			CertDigest  string `xml:"SignedSignatureProperties>SigningCertificateV2>Cert>CertDigest>DigestValue"`
		} `xml:"SignedProperties"`
		Unsigned struct {
			Timestamp         string   `xml:"SignatureTimeStamp>EncapsulatedTimeStamp"`
			CertificateValues []string `xml:"CertificateValues>EncapsulatedX509Certificate"`
			ArchiveTimestamp  string   `xml:"ArchiveTimeStamp>EncapsulatedTimeStamp"`
		} `xml:"UnsignedProperties>UnsignedSignatureProperties"`
	} `xml:"Object>QualifyingProperties"`
}

func parseXAdES(data []byte) (*xadesSignature, error) {
	var doc xmlSignature
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidContainer, err)
	}
	if doc.XMLName.Space != nsDS || doc.ID == "" {
		return nil, fmt.Errorf("%w: not an XML signature", ErrInvalidContainer)
	}
	x := &xadesSignature{
		ID:              doc.ID,
		SignatureMethod: doc.SignatureMethod.Algorithm,
	}
	var err error
	var found int
	for _, ref := range doc.References {
		hash, err := hashOfDigestMethod(ref.DigestMethod.Algorithm)
		if err != nil {
			return nil, err
		}
		switch {
		case ref.Type == "":
			x.DocumentURI = ref.URI
			x.Hash = hash
			if x.PayloadDigest, err = decodeBase64(ref.DigestValue); err != nil {
				return nil, err
			}
			found++
		case ref.Type == typeSignedProperties && ref.URI == "#"+x.propertiesID():
			found++
		}
	}
	if found != 2 || len(doc.References) != 2 {
		return nil, fmt.Errorf("%w: expected document and signed properties references", ErrInvalidContainer)
	}
	if doc.Properties.Signed.ID != x.propertiesID() || doc.Properties.Target != "#"+x.ID {
		return nil, fmt.Errorf("%w: qualifying properties do not belong to signature", ErrInvalidContainer)
	}
	if x.SigningTime, err = time.Parse(time.RFC3339, doc.Properties.Signed.SigningTime); err != nil {
		return nil, fmt.Errorf("%w: signing time: %s", ErrInvalidContainer, err)
	}
	if x.CertDigest, err = decodeBase64(doc.Properties.Signed.CertDigest); err != nil {
		return nil, err
	}
	if x.SignatureValue, err = decodeBase64(doc.SignatureValue); err != nil {
		return nil, err
	}
	if x.Certificate, err = decodeBase64(doc.Certificate); err != nil {
		return nil, err
	}
	unsigned := doc.Properties.Unsigned
	if unsigned.Timestamp != "" {
		if x.Timestamp, err = decodeBase64(unsigned.Timestamp); err != nil {
			return nil, err
		}
	}
	for _, value := range unsigned.CertificateValues {
		der, err := decodeBase64(value)
		if err != nil {
			return nil, err
		}
		x.CertificateValues = append(x.CertificateValues, der)
	}
	if unsigned.ArchiveTimestamp != "" {
		if x.ArchiveTimestamp, err = decodeBase64(unsigned.ArchiveTimestamp); err != nil {
			return nil, err
		}
	}
	return x, nil
}

func decodeBase64(value string) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidContainer, err)
	}
	return decoded, nil
}

func digestMethodURI(hash crypto.Hash) (string, error) {
	switch hash {
	case crypto.SHA256:
		return "http://www.w3.org/2001/04/xmlenc#sha256", nil
	case crypto.SHA384:
		return "http://www.w3.org/2001/04/xmldsig-more#sha384", nil
	case crypto.SHA512:
		return "http://www.w3.org/2001/04/xmlenc#sha512", nil
	}
	return "", fmt.Errorf("%w: %s", cms.ErrUnsupportedDigest, hash)
}

func hashOfDigestMethod(uri string) (crypto.Hash, error) {
	for _, hash := range []crypto.Hash{crypto.SHA256, crypto.SHA384, crypto.SHA512} {
		if candidate, _ := digestMethodURI(hash); candidate == uri {
			return hash, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", cms.ErrUnsupportedDigest, uri)
}

func signatureMethodURI(pub crypto.PublicKey, hash crypto.Hash) (string, error) {
	name := map[crypto.Hash]string{
		crypto.SHA256: "sha256",
		crypto.SHA384: "sha384",
		crypto.SHA512: "sha512",
	}[hash]
	switch pub.(type) {
	case ed25519.PublicKey:
		return "http://www.w3.org/2021/04/xmldsig-more#eddsa-ed25519", nil
	case *ecdsa.PublicKey:
		if name != "" {
			return "http://www.w3.org/2001/04/xmldsig-more#ecdsa-" + name, nil
		}
	case *rsa.PublicKey:
		if name != "" {
			return "http://www.w3.org/2007/05/xmldsig-more#" + name + "-rsa-MGF1", nil
		}
	default:
		return "", fmt.Errorf("%w: %T", cms.ErrUnsupportedKey, pub)
	}
	return "", fmt.Errorf("%w: %s", cms.ErrUnsupportedDigest, hash)
}

type ecdsaSignature struct {
	R, S *big.Int
}

func ecdsaToRaw(der []byte, pub *ecdsa.PublicKey) ([]byte, error) {
	var sig ecdsaSignature
	if _, err := asn1.Unmarshal(der, &sig); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSignatureInvalid, err)
	}
	size := (pub.Curve.Params().BitSize + 7) / 8
	if sig.R.BitLen() > size*8 || sig.S.BitLen() > size*8 {
		return nil, ErrSignatureInvalid
	}
	raw := make([]byte, 2*size)
	sig.R.FillBytes(raw[:size])
	sig.S.FillBytes(raw[size:])
	return raw, nil
}

func ecdsaFromRaw(raw []byte) ([]byte, error) {
	if len(raw) == 0 || len(raw)%2 != 0 {
		return nil, fmt.Errorf("invalid raw ECDSA signature length %d", len(raw))
	}
	half := len(raw) / 2
	return asn1.Marshal(ecdsaSignature{
		R: new(big.Int).SetBytes(raw[:half]),
		S: new(big.Int).SetBytes(raw[half:]),
	})
}
