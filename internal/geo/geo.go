package geo

import (
	"fmt"
	"math"

	"github.com/go-playground/validator/v10"
)

// EarthRadiusMeters 为球面近似下的地球平均半径。
const EarthRadiusMeters = 6371000.0

// Coordinate 表示一个经纬度坐标（单位：度）。
type Coordinate struct {
	Latitude  float64 `json:"latitude" validate:"latitude"`
	Longitude float64 `json:"longitude" validate:"longitude"`
}

var validate = validator.New()

// Validate 校验坐标是否落在合法范围内。Distance 本身不做校验，调用方需先调用本方法。
func (c Coordinate) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid coordinate (%g, %g): %w", c.Latitude, c.Longitude, err)
	}
	return nil
}

func (c Coordinate) String() string {
	return fmt.Sprintf("(%.6f, %.6f)", c.Latitude, c.Longitude)
}

// Distance 使用 haversine 公式计算两点间的大圆距离，单位为米。
func Distance(a, b Coordinate) float64 {
	phi1 := toRadians(a.Latitude)
	phi2 := toRadians(b.Latitude)
	dPhi := toRadians(b.Latitude - a.Latitude)
	dLambda := toRadians(b.Longitude - a.Longitude)

	sinPhi := math.Sin(dPhi / 2)
	sinLambda := math.Sin(dLambda / 2)
	h := sinPhi*sinPhi + math.Cos(phi1)*math.Cos(phi2)*sinLambda*sinLambda
	// 浮点误差可能让 h 略超出 [0,1]
	h = math.Min(1, math.Max(0, h))

	return 2 * EarthRadiusMeters * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Within 判断 b 是否位于以 a 为圆心、radius 米为半径的范围内（含边界）。
func Within(a, b Coordinate, radius float64) (float64, bool) {
	d := Distance(a, b)
	return d, d <= radius
}

// Bounds 是一个经纬度矩形。MinLongitude > MaxLongitude 表示矩形跨越 180° 经线。
type Bounds struct {
	MinLatitude  float64
	MaxLatitude  float64
	MinLongitude float64
	MaxLongitude float64
}

// BoundsAround 返回完整包含以 c 为圆心、radius 米为半径的圆的最小经纬度矩形。
// 圆覆盖极点时经度不受限。
func BoundsAround(c Coordinate, radius float64) Bounds {
	angular := radius / EarthRadiusMeters
	dLat := toDegrees(angular)

	b := Bounds{
		MinLatitude:  c.Latitude - dLat,
		MaxLatitude:  c.Latitude + dLat,
		MinLongitude: -180,
		MaxLongitude: 180,
	}
	if b.MinLatitude <= -90 || b.MaxLatitude >= 90 {
		b.MinLatitude = math.Max(b.MinLatitude, -90)
		b.MaxLatitude = math.Min(b.MaxLatitude, 90)
		return b
	}

	ratio := math.Sin(angular) / math.Cos(toRadians(c.Latitude))
	if ratio >= 1 {
		return b
	}
	dLng := toDegrees(math.Asin(ratio))
	b.MinLongitude = c.Longitude - dLng
	b.MaxLongitude = c.Longitude + dLng
	if b.MinLongitude < -180 {
		b.MinLongitude += 360
	}
	if b.MaxLongitude > 180 {
		b.MaxLongitude -= 360
	}
	return b
}

// CrossesAntimeridian 报告矩形是否跨越 180° 经线。
func (b Bounds) CrossesAntimeridian() bool {
	return b.MinLongitude > b.MaxLongitude
}

// Contains 判断坐标是否落在矩形内。
func (b Bounds) Contains(c Coordinate) bool {
	if c.Latitude < b.MinLatitude || c.Latitude > b.MaxLatitude {
		return false
	}
	if b.CrossesAntimeridian() {
		return c.Longitude >= b.MinLongitude || c.Longitude <= b.MaxLongitude
	}
	return c.Longitude >= b.MinLongitude && c.Longitude <= b.MaxLongitude
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

func toDegrees(rad float64) float64 {
	return rad * 180 / math.Pi
}
