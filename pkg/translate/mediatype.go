package translate

import (
	"mime"
	"strings"

	"github.com/plgd-dev/go-coap/v3/message"

	"github.com/polisai/polis-coap/pkg/coap"
)

// mimeAliases covers HTTP media types whose registered CoAP name differs.
var mimeAliases = map[string]coap.MediaType{
	"text/plain": coap.TextPlain,
	"text/xml":   coap.AppXML,
}

// FormatForContentType maps an HTTP media type to a CoAP content format.
// Unknown or unparsable types fall back to application/octet-stream.
func FormatForContentType(contentType string) coap.MediaType {
	if f, ok := lookupFormat(contentType); ok {
		return f
	}
	return coap.AppOctets
}

// ContentTypeForFormat maps a CoAP content format to an HTTP Content-Type.
func ContentTypeForFormat(f coap.MediaType) string {
	if _, err := message.MediaTypeFromNumber(uint16(f)); err != nil {
		return "application/octet-stream"
	}
	return f.String()
}

// acceptFormat returns the first Accept entry with a known content format.
// Wildcards and unknown types leave the CoAP Accept option unset.
func acceptFormat(accept string) *coap.MediaType {
	for _, part := range strings.Split(accept, ",") {
		if f, ok := lookupFormat(strings.TrimSpace(part)); ok {
			return coap.MediaTypePtr(f)
		}
	}
	return nil
}

func lookupFormat(contentType string) (coap.MediaType, bool) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return 0, false
	}
	if f, ok := mimeAliases[mediaType]; ok {
		return f, true
	}
	f, err := message.ToMediaType(mediaType)
	if err != nil {
		return 0, false
	}
	return f, true
}
