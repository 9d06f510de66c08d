// Package imgenc 将 ImageRecord 的像素引用编码为远端视觉模型可接受的载荷（data URI）。
// PNG/JPEG 原样透传；DICOM 取首帧，线性拉伸到 8 位灰度后转为 PNG。
package imgenc

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"llmmri/pkg/contract"
)

const (
	MIMEPNG   = "image/png"
	MIMEJPEG  = "image/jpeg"
	MIMEDICOM = "application/dicom"
)

// MIMEFor 按扩展名推断载荷类型；未知扩展名返回空串。
func MIMEFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png":
		return MIMEPNG
	case ".jpg", ".jpeg":
		return MIMEJPEG
	case ".dcm", ".dicom":
		return MIMEDICOM
	default:
		return ""
	}
}

// Encode 返回可直接上送的 (mime, bytes)。DICOM 转为 PNG。
func Encode(rec contract.ImageRecord) (string, []byte, error) {
	mime := rec.MIME
	if mime == "" {
		mime = MIMEFor(rec.PixelRef)
	}
	switch mime {
	case MIMEPNG, MIMEJPEG:
		b, err := os.ReadFile(rec.PixelRef)
		if err != nil {
			return "", nil, undecodable(rec.ID, err)
		}
		return mime, b, nil
	case MIMEDICOM:
		img, err := DICOMFrame(rec.PixelRef)
		if err != nil {
			return "", nil, undecodable(rec.ID, err)
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return "", nil, undecodable(rec.ID, err)
		}
		return MIMEPNG, buf.Bytes(), nil
	default:
		return "", nil, fmt.Errorf("%w: unsupported image type %q for %s", contract.ErrInvalidInput, mime, rec.ID)
	}
}

// undecodable 将编码失败归入 ErrUndecodableImage，同时保留原始错误链。
func undecodable(id contract.ImageID, err error) error {
	return fmt.Errorf("%w: %s: %w", contract.ErrUndecodableImage, id, err)
}

// DataURI 返回 data:<mime>;base64,<payload>。
func DataURI(rec contract.ImageRecord) (string, error) {
	mime, b, err := Encode(rec)
	if err != nil {
		return "", err
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(b), nil
}

// ErrNoPixelData: DICOM 文件不含可解码的像素帧。
var ErrNoPixelData = errors.New("imgenc: dicom has no pixel data")

// DICOMFrame 读取 DICOM 首帧并归一化为 8 位灰度图。
func DICOMFrame(path string) (image.Image, error) {
	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("imgenc: parse dicom %s: %w", path, err)
	}
	return FirstFrame(ds, path)
}

// FirstFrame 从已解析的数据集中解码首帧；name 仅用于错误信息。
func FirstFrame(ds dicom.Dataset, name string) (image.Image, error) {
	el, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoPixelData, name)
	}
	info, ok := el.Value.GetValue().(dicom.PixelDataInfo)
	if !ok || len(info.Frames) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoPixelData, name)
	}
	img, err := info.Frames[0].GetImage()
	if err != nil {
		return nil, fmt.Errorf("imgenc: decode frame %s: %w", name, err)
	}
	return ToGray8(img), nil
}

// ToGray8 将任意图像线性拉伸到 [0,255] 灰度；常量图像输出全黑。
func ToGray8(src image.Image) *image.Gray {
	b := src.Bounds()
	dst := image.NewGray(b)
	if b.Empty() {
		return dst
	}
	lum := func(x, y int) uint32 {
		return uint32(color.Gray16Model.Convert(src.At(x, y)).(color.Gray16).Y)
	}
	lo, hi := uint32(0xffff), uint32(0)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			v := lum(x, y)
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
	}
	if hi == lo {
		return dst
	}
	span := hi - lo
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			dst.SetGray(x, y, color.Gray{Y: uint8((lum(x, y) - lo) * 255 / span)})
		}
	}
	return dst
}
