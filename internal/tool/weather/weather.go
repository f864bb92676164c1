package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"OpenMCP-Orchestrator/internal/tool"
)

// ID 是天气工具在注册表中的标识。
const ID = "weather.get_weather"

const defaultBaseURL = "https://api.openweathermap.org/data/2.5"

// Config 描述 OpenWeatherMap 访问参数。
type Config struct {
	APIKey  string
	BaseURL string
	Units   string
	Timeout time.Duration
}

// Tool 查询城市当前天气。
type Tool struct {
	apiKey     string
	baseURL    string
	units      string
	httpClient *http.Client
}

// New 构造天气工具。
func New(cfg Config) (*Tool, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("weather api key is required")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	units := cfg.Units
	if units == "" {
		units = "metric"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Tool{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		units:      units,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Contract 实现 tool.Tool。
func (t *Tool) Contract() tool.Contract {
	return tool.Contract{
		ID:          ID,
		Description: "Get the current weather for a city.",
		Params: []tool.Param{
			{Name: "city", Type: tool.TypeString, Required: true, Description: "City name, optionally with country code, e.g. \"Paris,FR\"."},
		},
		Output: []tool.Field{
			{Name: "city", Type: tool.TypeString},
			{Name: "temperature", Type: tool.TypeNumber, Description: "Temperature in the configured units."},
			{Name: "condition", Type: tool.TypeString},
		},
	}
}

type currentWeather struct {
	Name string `json:"name"`
	Main struct {
		Temp     float64 `json:"temp"`
		Humidity float64 `json:"humidity"`
	} `json:"main"`
	Weather []struct {
		Description string `json:"description"`
	} `json:"weather"`
}

// Invoke 实现 tool.Tool。
func (t *Tool) Invoke(ctx context.Context, input map[string]any) (map[string]any, error) {
	city := strings.TrimSpace(tool.String(input, "city"))
	if city == "" {
		return nil, tool.Rejected(ID, nil, "城市不能为空")
	}

	query := url.Values{}
	query.Set("q", city)
	query.Set("appid", t.apiKey)
	query.Set("units", t.units)
	endpoint := t.baseURL + "/weather?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, tool.Rejected(ID, err, "构造天气请求失败")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, tool.Unavailable(ID, err, "天气服务请求失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, classifyStatus(resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload currentWeather
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, tool.Rejected(ID, err, "解析天气响应失败")
	}
	condition := ""
	if len(payload.Weather) > 0 {
		condition = payload.Weather[0].Description
	}
	return map[string]any{
		"city":        city,
		"temperature": payload.Main.Temp,
		"condition":   condition,
	}, nil
}

func classifyStatus(status int, body string) error {
	cause := fmt.Errorf("status %d: %s", status, body)
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return tool.Unavailable(ID, cause, "天气服务暂不可用")
	case status == http.StatusUnauthorized:
		return tool.Rejected(ID, cause, "天气服务凭证无效")
	case status == http.StatusNotFound:
		return tool.Rejected(ID, cause, "未找到该城市")
	default:
		return tool.Rejected(ID, cause, "天气服务拒绝请求")
	}
}
