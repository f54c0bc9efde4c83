package workunit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/antchfx/xmlquery"
	"golang.org/x/time/rate"

	"github.com/warptools/sciflo/pkg/logging"
	"github.com/warptools/sciflo/pkg/xmlutil"
	"github.com/warptools/sciflo/sfapi"
)

const (
	soapEnvNS = "http://schemas.xmlsoap.org/soap/envelope/"

	defaultPollInterval = 5 * time.Second
	defaultPollBudget   = 720

	asyncPrefix = "async:"
)

// soapProxy is what a WSDL tells us about how to call one method.
type soapProxy struct {
	Location  string
	Namespace string
	Action    string
}

// resolveProxy reads the WSDL and finds the service address and target namespace.
// A WSDL that cannot be read leaves the url itself, minus any "?wsdl" suffix, as the address.
func resolveProxy(ctx context.Context, wsdlURL string, method string) (soapProxy, error) {
	proxy := soapProxy{
		Location:  strings.TrimSuffix(strings.TrimSuffix(wsdlURL, "?WSDL"), "?wsdl"),
		Namespace: "urn:" + method,
		Action:    method,
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, wsdlURL, nil)
	if err != nil {
		return proxy, err
	}
	resp, err := httpClient.Do(hreq)
	if err != nil {
		return proxy, fmt.Errorf("fetching wsdl %s: %w", wsdlURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return proxy, fmt.Errorf("fetching wsdl %s: %s", wsdlURL, resp.Status)
	}
	doc, err := xmlquery.Parse(resp.Body)
	if err != nil {
		return proxy, fmt.Errorf("parsing wsdl %s: %w", wsdlURL, err)
	}
	if n := xmlquery.FindOne(doc, "//*[local-name()='service']//*[local-name()='address']/@location"); n != nil {
		proxy.Location = n.InnerText()
	}
	if n := xmlquery.FindOne(doc, "/*[local-name()='definitions']/@targetNamespace"); n != nil {
		proxy.Namespace = n.InnerText()
	}
	if n := xmlquery.FindOne(doc, fmt.Sprintf("//*[local-name()='binding']/*[local-name()='operation'][@name='%s']/*[local-name()='operation']/@soapAction", method)); n != nil {
		proxy.Action = n.InnerText()
	}
	return proxy, nil
}

func envelope(proxy soapProxy, method string, names []string, args []interface{}) []byte {
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	buf.WriteString(`<soap:Envelope xmlns:soap="` + soapEnvNS + `"><soap:Body>`)
	fmt.Fprintf(&buf, `<m:%s xmlns:m="%s">`, method, xmlutil.Escape(proxy.Namespace))
	for i, a := range args {
		name := fmt.Sprintf("arg%d", i)
		if i < len(names) && names[i] != "" {
			name = names[i]
		}
		buf.WriteString(strings.TrimSuffix(strings.TrimPrefix(xmlutil.ToXML(map[string]interface{}{name: a}), "<result>"), "</result>"))
	}
	fmt.Fprintf(&buf, `</m:%s></soap:Body></soap:Envelope>`, method)
	return buf.Bytes()
}

// decodeSOAPResponse returns the return value of a SOAP response, or the fault as an error.
func decodeSOAPResponse(body []byte) (interface{}, error) {
	doc, err := xmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parsing soap response: %w", err)
	}
	if fault := xmlquery.FindOne(doc, "//*[local-name()='Body']/*[local-name()='Fault']"); fault != nil {
		msg := fault.InnerText()
		if fs := xmlquery.FindOne(fault, "*[local-name()='faultstring']"); fs != nil {
			msg = fs.InnerText()
		}
		return nil, fmt.Errorf("soap fault: %s", strings.TrimSpace(msg))
	}
	respElem := xmlquery.FindOne(doc, "//*[local-name()='Body']/*[1]")
	if respElem == nil {
		return nil, fmt.Errorf("soap response has an empty body")
	}
	var values []interface{}
	for c := respElem.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != xmlquery.ElementNode {
			continue
		}
		v, err := xmlutil.Eval(c, ".")
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	switch len(values) {
	case 0:
		return strings.TrimSpace(respElem.InnerText()), nil
	case 1:
		return values[0], nil
	}
	return values, nil
}

func runRemoteRPC(ctx context.Context, req Request, out io.Writer) (interface{}, error) {
	log := logging.Ctx(ctx)
	method := req.Config.Call
	proxy, err := resolveProxy(ctx, req.Config.Endpoint.URL, method)
	if err != nil {
		log.Debug(LOG_TAG, "wsdl unavailable, calling %s directly: %s", proxy.Location, err)
	}
	body := envelope(proxy, method, req.Config.ArgNames, req.Args)
	fmt.Fprintf(out, "SOAP %s at %s\n", method, proxy.Location)
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, proxy.Location, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	hreq.Header.Set("Content-Type", "text/xml; charset=utf-8")
	hreq.Header.Set("SOAPAction", `"`+proxy.Action+`"`)
	resp, err := httpClient.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	result, err := decodeSOAPResponse(respBody)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("soap call %s: %s", method, resp.Status)
	}
	if s, ok := result.(string); ok && strings.HasPrefix(s, asyncPrefix) {
		return pollAsync(ctx, req, strings.TrimPrefix(s, asyncPrefix), out)
	}
	return result, nil
}

// pollAsync polls url on a fixed cadence until it serves a result.
// Not-found, no-content and empty responses mean "not yet".
//
// Errors:
//
//    - sciflo-error-async-poll-timeout -- when the poll budget runs out
func pollAsync(ctx context.Context, req Request, pollURL string, out io.Writer) (interface{}, error) {
	interval := req.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	budget := req.PollBudget
	if budget <= 0 {
		budget = defaultPollBudget
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	fmt.Fprintf(out, "polling %s every %s\n", pollURL, interval)
	for attempt := 1; attempt <= budget; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
		body, ready, err := pollOnce(ctx, pollURL)
		if err != nil {
			return nil, err
		}
		if !ready {
			continue
		}
		var v interface{}
		if err := json.Unmarshal(body, &v); err != nil {
			return strings.TrimSpace(string(body)), nil
		}
		return v, nil
	}
	return nil, sfapi.ErrorAsyncPollTimeout(pollURL, budget)
}

func pollOnce(ctx context.Context, pollURL string) ([]byte, bool, error) {
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, pollURL, nil)
	if err != nil {
		return nil, false, err
	}
	resp, err := httpClient.Do(hreq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		// transient; the next poll may succeed
		return nil, false, nil
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusNoContent, resp.StatusCode == http.StatusAccepted:
		return nil, false, nil
	case resp.StatusCode/100 != 2:
		return nil, false, fmt.Errorf("polling %s: %s", pollURL, resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, err
	}
	return body, len(bytes.TrimSpace(body)) > 0, nil
}
