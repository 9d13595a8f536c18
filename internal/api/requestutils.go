package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/vinaykr8807/WhispShare-qz/internal/geo"
)

type envelope struct {
	Data any `json:"data"`
}

type errorEnvelope struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorEnvelope{Error: message})
}

// parseCoordinate 读取一对经纬度参数。两者都缺省时返回 nil，只给出一个视为错误。
func parseCoordinate(latRaw, lngRaw string) (*geo.Coordinate, error) {
	latRaw, lngRaw = strings.TrimSpace(latRaw), strings.TrimSpace(lngRaw)
	if latRaw == "" && lngRaw == "" {
		return nil, nil
	}
	if latRaw == "" || lngRaw == "" {
		return nil, errors.New("latitude and longitude must be provided together")
	}

	lat, err := strconv.ParseFloat(latRaw, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid latitude %q", latRaw)
	}
	lng, err := strconv.ParseFloat(lngRaw, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid longitude %q", lngRaw)
	}
	return &geo.Coordinate{Latitude: lat, Longitude: lng}, nil
}

func queryCoordinate(r *http.Request) (*geo.Coordinate, error) {
	q := r.URL.Query()
	return parseCoordinate(q.Get("lat"), q.Get("lng"))
}

func determineFileSize(file multipart.File, header *multipart.FileHeader) (int64, error) {
	if header != nil && header.Size > 0 {
		return header.Size, nil
	}

	seeker, ok := file.(io.Seeker)
	if !ok {
		return 0, fmt.Errorf("cannot determine file size")
	}

	size, err := seeker.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("measure file: %w", err)
	}
	if _, err := seeker.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("rewind file: %w", err)
	}

	return size, nil
}

// resolveMimeType 优先使用 multipart 头中的类型，缺省或为通用二进制时按内容嗅探。
func resolveMimeType(header *multipart.FileHeader, file multipart.File) (string, error) {
	if header != nil {
		if value := header.Header.Get("Content-Type"); value != "" && value != "application/octet-stream" {
			return value, nil
		}
	}

	buf := make([]byte, 512)
	n, err := file.Read(buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return "", fmt.Errorf("detect mime: %w", err)
	}

	if err := rewindFile(file); err != nil {
		return "", err
	}
	if n == 0 {
		return "application/octet-stream", nil
	}
	return http.DetectContentType(buf[:n]), nil
}

func rewindFile(file multipart.File) error {
	seeker, ok := file.(io.Seeker)
	if !ok {
		return fmt.Errorf("upload reader is not seekable")
	}
	_, err := seeker.Seek(0, io.SeekStart)
	return err
}

func optionalString(raw string) *string {
	value := strings.TrimSpace(raw)
	if value == "" {
		return nil
	}
	return &value
}
