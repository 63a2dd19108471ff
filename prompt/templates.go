package prompt

// Templates use FString syntax, so literal braces in the example payloads
// are doubled.

const identifyIssuesTemplate = `Instruction: {instruction}
Previous_health_issues: {health_issues}
**The response must strictly follow this structure:**
{{
    "issue_name": {{"duration": "Duration of the issue", "severity": "Severity of the issue"}},
    "issue_name": {{"duration": {{}}, "severity": {{}}}},
    "issue_name": "... (and so on)"
}}
If no health issue is mentioned, reply with {{}}.
**You will reply only with the JSON itself, and no other descriptive or explanatory text.**`

const medicalHistoryTemplate = `Instruction: {instruction}

As an AI assistant, your task is to:
- **Review** the entire conversation history, consider questions asked to the patient and their answers.
- **Objective:** Identify and summarize any **health issues or medical history** mentioned by the human.
- **Instructions:** Provide a **concise summary** of these health issues and patient background in a paragraph.
- **Important:** If there are no health issues or medical history mentioned, reply with: "No health issues or medical history mentioned."`

const diagnosisTemplate = `Instruction: {instruction}
If you are confident of making a final diagnosis, set "decision" to "yes", otherwise set it to "no" and clarify what information you need to make a final diagnosis.
The rating should be between 1 to 10, where 1 is the least likely and 10 is the most likely.
**You MUST reply ONLY with the JSON itself, and no other descriptive or explanatory text.**

health_issues: {health_issues}
medical_history: {medical_history}
related_records: {related_records}

**Example Format 1: not confident to make a final diagnosis**
{{
    "decision": "no",
    "diagnoses": {{
        "1": {{"name": "Diagnosis 1", "justification": "Explanation of why you think it is likely", "link": "Link to ICD-10 code", "rating": "Rating of Diagnosis 1"}},
        "2": {{"name": "Diagnosis 2", "justification": "Explanation of why you think it is likely", "link": "Link to ICD-10 code", "rating": "Rating of Diagnosis 2"}},
        "3": {{"name": "Diagnosis 3", "justification": "Explanation of why you think it is likely", "link": "Link to ICD-10 code", "rating": "Rating of Diagnosis 3"}}
    }},
    "information_needed": "Information needed to make a final diagnosis"
}}

**Example Format 2: Non-health-related message**
{{
    "decision": "no",
    "diagnoses": {{}},
    "information_needed": ""
}}

**Example Format 3: Confident to make a final diagnosis**
{{
    "decision": "yes",
    "diagnoses": {{
        "1": {{"name": "Diagnosis 1", "justification": "Explanation of why you think it is likely", "link": "Link to ICD-10 code", "rating": "Rating of Diagnosis 1"}}
    }},
    "information_needed": ""
}}`

const questionToClarifyTemplate = `Instruction: {instruction}
The suggested questions will address the missing information needed to make a final diagnosis.
For each suggested question, provide a question and a list of selective answers, the answers should be informative and help you make a final diagnosis.
The maximum number of questions to ask is 3, while the minimum is 1.
The maximum number of selective answers for each question is 3, while the minimum is 1.
The questions should be clear and concise, less than 10 words.

### health_issues: {health_issues}
### medical_history: {medical_history}
### required_information: {required_information}

**The response must strictly follow this structure:**
{{
    "question_to_clarify": {{
        "1": {{"question": "first question", "selective_answers": ["answer1", "answer2"]}},
        "2": {{"question": "second question", "selective_answers": ["answer1", "answer2"]}},
        "3": {{"question": "third question", "selective_answers": ["answer1", "answer2"]}}
    }}
}}

**Example Format 1: no health issues mentioned**
{{
    "question_to_clarify": {{
        "1": {{"question": "What health issues are you experiencing?", "selective_answers": ["I had fever", "I am coughing"]}}
    }}
}}
**You will reply only with the JSON itself, and no other descriptive or explanatory text.**`

const decisionTemplate = `Instruction: {instruction}

- **Review** the entire conversation history, consider all messages, including the answers to your questions.
- **If you can make a final diagnosis:** reply with: **'yes'**
- **If you cannot make a final diagnosis:** reply with: **'no'**
- **Do not include** any additional information, explanations, or questions in your response.
- Your response should be **either 'yes' or 'no' only**.`

const finalConclusionTemplate = `Instruction: {instruction}

Diagnosis: {diagnosis}
Health history: {medical_history}
**You will reply only with JSON itself, and no other descriptive or explanatory text.**

The structure of the response should be:
{{
    "final_diagnosis": "Final diagnosis",
    "justification": "Justification for the diagnosis",
    "suggestions": "Suggestions for treatment",
    "medications": "Medications"
}}`
