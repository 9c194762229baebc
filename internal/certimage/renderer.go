package certimage

// Renderer is the production composer: it decodes template bytes and draws
// the certificate in one step.
type Renderer struct{}

// Compose decodes the template and renders the certificate PNG.
func (Renderer) Compose(template []byte, displayName, code string, layout Layout) ([]byte, error) {
	img, err := DecodeTemplate(template)
	if err != nil {
		return nil, err
	}
	return Compose(img, displayName, code, layout)
}
