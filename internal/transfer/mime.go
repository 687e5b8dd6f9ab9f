package transfer

import (
	"mime"
	"net/http"
	"path/filepath"
	"strings"
)

var mimeTypes = map[string]string{
	".pdf":  "application/pdf",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".xls":  "application/vnd.ms-excel",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".txt":  "text/plain",
	".zip":  "application/zip",
}

// mimeTypeByExtension returns the MIME type for common attachment extensions
func mimeTypeByExtension(name string) string {
	if mimeType, ok := mimeTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return mimeType
	}
	return ""
}

// detectMimeType picks the most specific MIME type available: the server's
// header, then the destination extension, then content sniffing
func detectMimeType(header, destination string, content []byte) string {
	if header != "" {
		if mediaType, _, err := mime.ParseMediaType(header); err == nil && mediaType != "application/octet-stream" {
			return mediaType
		}
	}
	if mimeType := mimeTypeByExtension(destination); mimeType != "" {
		return mimeType
	}
	if len(content) > 0 {
		return http.DetectContentType(content)
	}
	return "application/octet-stream"
}
